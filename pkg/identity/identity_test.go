package identity

import (
	"encoding/json"
	"testing"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2.3")
	if err != nil {
		t.Fatalf("ParseVersion: %v", err)
	}
	if v.Major != 1 || v.Minor != 2 || v.Patch != 3 {
		t.Fatalf("got %+v", v)
	}
	if v.String() != "1.2.3" {
		t.Fatalf("String() = %q", v.String())
	}
}

func TestParseVersionInvalid(t *testing.T) {
	for _, s := range []string{"1.2", "1.2.3.4", "a.b.c", ""} {
		if _, err := ParseVersion(s); err == nil {
			t.Fatalf("ParseVersion(%q): expected error", s)
		}
	}
}

func TestVersionCompare(t *testing.T) {
	a := Version{1, 2, 3}
	b := Version{1, 2, 4}
	if a.Compare(b) >= 0 {
		t.Fatalf("expected a < b")
	}
	if b.Compare(a) <= 0 {
		t.Fatalf("expected b > a")
	}
	if a.Compare(a) != 0 {
		t.Fatalf("expected a == a")
	}
}

func TestParseIdentity(t *testing.T) {
	id, err := Parse("hello:0.0.1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := New("hello", Version{0, 0, 1})
	if id != want {
		t.Fatalf("got %+v want %+v", id, want)
	}
	if id.String() != "hello:0.0.1" {
		t.Fatalf("String() = %q", id.String())
	}
	if id.PackageFileName() != "hello-0.0.1.npk" {
		t.Fatalf("PackageFileName() = %q", id.PackageFileName())
	}
}

func TestParseIdentityInvalid(t *testing.T) {
	for _, s := range []string{"hello", ":1.0.0", "hello:bad"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q): expected error", s)
		}
	}
}

func TestIdentityJSONRoundTrip(t *testing.T) {
	id := New("hello", Version{Major: 1, Minor: 2, Patch: 3})
	data, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"hello:1.2.3"` {
		t.Fatalf("Marshal = %s, want %q", data, `"hello:1.2.3"`)
	}
	var got Identity
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != id {
		t.Fatalf("round trip = %+v, want %+v", got, id)
	}
}

func TestIdentityJSONUnmarshalInvalid(t *testing.T) {
	var id Identity
	if err := json.Unmarshal([]byte(`"not-an-identity"`), &id); err == nil {
		t.Fatal("expected an error unmarshaling a malformed identity")
	}
}
