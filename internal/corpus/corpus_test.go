package corpus

import (
	"strings"
	"testing"
)

func TestLoadMissingFixtureSkips(t *testing.T) {
	_, err := Load("testdata/does-not-exist.txt.xz")
	if err != ErrNoFixture {
		t.Fatalf("err = %v, want ErrNoFixture", err)
	}
}

func TestParseLine(t *testing.T) {
	r, err := parseLine("7 0=255,2=65535 0=10,2=80")
	if err != nil {
		t.Fatal(err)
	}
	if r.Action != 7 {
		t.Errorf("Action = %d, want 7", r.Action)
	}
	if r.Mask[0] != 255 || r.Mask[2] != 65535 {
		t.Errorf("Mask = %v, want {0:255, 2:65535}", r.Mask)
	}
	if r.Key[0] != 10 || r.Key[2] != 80 {
		t.Errorf("Key = %v, want {0:10, 2:80}", r.Key)
	}
}

func TestParseLineRejectsMalformed(t *testing.T) {
	cases := []string{
		"7 0=255",
		"seven 0=255 0=10",
		"7 zero=255 0=10",
		"7 0=255 0=ten",
	}
	for _, c := range cases {
		if _, err := parseLine(c); err == nil {
			t.Errorf("parseLine(%q) succeeded, want error", c)
		}
	}
}

func TestParseSkipsBlankAndComment(t *testing.T) {
	rules, err := parse(strings.NewReader("# comment\n\n7 0=1 0=1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("len(rules) = %d, want 1", len(rules))
	}
}
