package scope

import (
	"reflect"
	"testing"
)

func testCatalog() *Catalog {
	return NewCatalog(
		Scope{
			Code:        "profile",
			Description: "Basic profile",
			Fields:      map[string][]string{"user": {"id", "name"}},
		},
		Scope{
			Code:        "email",
			Description: "Email address",
			Fields:      map[string][]string{"user": {"id", "email"}},
		},
		Scope{
			Code:        "projects",
			Description: "Project listing",
			Fields:      map[string][]string{"project": {"id", "title", "owner"}},
		},
	)
}

func TestFilterIntersects(t *testing.T) {
	c := testCatalog()

	got := c.Filter([]string{"profile", "email", "projects"}, []string{"email", "profile"})
	want := []string{"profile", "email"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}
}

func TestFilterDropsUnknownCodes(t *testing.T) {
	c := testCatalog()

	got := c.Filter([]string{"profile", "bogus"}, []string{"profile", "bogus"})
	want := []string{"profile"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}
}

func TestFilterNeverAdds(t *testing.T) {
	c := testCatalog()

	got := c.Filter([]string{"email"}, []string{"email", "profile", "projects"})
	want := []string{"email"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}
}

func TestFilterEmptyIntersection(t *testing.T) {
	c := testCatalog()

	if got := c.Filter([]string{"projects"}, []string{"profile"}); len(got) != 0 {
		t.Errorf("Filter() = %v, want empty", got)
	}
}

func TestFilterDeduplicates(t *testing.T) {
	c := testCatalog()

	got := c.Filter([]string{"email", "email", "profile"}, []string{"email", "profile"})
	want := []string{"email", "profile"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}
}

func TestFieldsForUnion(t *testing.T) {
	c := testCatalog()

	got := c.FieldsFor([]string{"profile", "email"}, "user")
	want := []string{"id", "name", "email"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FieldsFor() = %v, want %v", got, want)
	}
}

func TestFieldsForUnknownResource(t *testing.T) {
	c := testCatalog()

	if got := c.FieldsFor([]string{"profile"}, "invoice"); len(got) != 0 {
		t.Errorf("FieldsFor() = %v, want empty", got)
	}
}

func TestExposes(t *testing.T) {
	c := testCatalog()

	if !c.Exposes([]string{"email"}, "user", "id") {
		t.Error("expected email scope to expose user id")
	}
	if c.Exposes([]string{"projects"}, "user", "id") {
		t.Error("projects scope should not expose user fields")
	}
}

func TestParseAndJoinList(t *testing.T) {
	got := ParseList("  profile   email ")
	want := []string{"profile", "email"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseList() = %v, want %v", got, want)
	}

	if joined := JoinList(want); joined != "profile email" {
		t.Errorf("JoinList() = %q, want %q", joined, "profile email")
	}
}

func TestParseListDeduplicates(t *testing.T) {
	got := ParseList("profile profile email profile")
	want := []string{"profile", "email"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseList() = %v, want %v", got, want)
	}
}
