package content

import (
	"encoding/json"
	"testing"
)

func TestBuilder_TypedFields(t *testing.T) {
	blob := New().
		Str(FieldCategory, "design").
		Str(FieldLanguage, "en").
		Bool(FieldIsUser, true).
		Bool(FieldIsFreelancer, false).
		Uint("rate", 42).
		Build()

	if got := blob.Category(); got != "design" {
		t.Fatalf("expected category design, got %q", got)
	}
	if got := blob.Language(); got != "en" {
		t.Fatalf("expected language en, got %q", got)
	}
	if !blob.Bool(FieldIsUser) || blob.Bool(FieldIsFreelancer) {
		t.Fatalf("unexpected flags: is_user=%v is_freelancer=%v", blob.Bool(FieldIsUser), blob.Bool(FieldIsFreelancer))
	}
	if v, ok := blob.Uint("rate"); !ok || v != 42 {
		t.Fatalf("expected rate 42, got %d (%v)", v, ok)
	}
	if _, ok := blob.String("rate"); ok {
		t.Fatal("uint cell must not decode as string")
	}
}

func TestBlob_MergeKeepsLockedFields(t *testing.T) {
	base := New().Str(FieldCategory, "design").Bool(FieldCanApproveUser, true).Str("bio", "old").Build()
	updates := New().Str(FieldCategory, "all").Bool(FieldCanApproveUser, false).Str("bio", "new").Build()

	merged := base.Merge(updates, FieldCategory, FieldCanApproveUser)

	if merged.Category() != "design" {
		t.Fatalf("category must be kept, got %q", merged.Category())
	}
	if !merged.Bool(FieldCanApproveUser) {
		t.Fatal("capability must be kept")
	}
	if bio, _ := merged.String("bio"); bio != "new" {
		t.Fatalf("expected bio new, got %q", bio)
	}
	if bio, _ := base.String("bio"); bio != "old" {
		t.Fatal("merge must not mutate the receiver")
	}
}

func TestBlob_JSON(t *testing.T) {
	blob := New().Str(FieldCategory, "test").Build()
	raw, err := json.Marshal(blob)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Blob
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Category() != "test" {
		t.Fatalf("expected category test, got %q", out.Category())
	}
}
