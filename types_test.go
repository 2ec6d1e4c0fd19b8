package imagestore

import (
	"encoding/json"
	"testing"
)

// TestImageSlot_Forms verifies the three slot states: reference,
// legacy inline, and empty.
func TestImageSlot_Forms(t *testing.T) {
	ref := &ImageSlot{ImageKey: "wall-north-image-migrated", HasImage: true}
	if !ref.HasReference() || ref.HasInlineData() || ref.IsEmpty() {
		t.Errorf("reference slot misclassified: %+v", ref)
	}

	inline := &ImageSlot{Data: "data:image/png;base64,AAAA", Name: "door.png"}
	if inline.HasReference() || !inline.HasInlineData() || inline.IsEmpty() {
		t.Errorf("inline slot misclassified: %+v", inline)
	}

	empty := &ImageSlot{Name: "placeholder"}
	if empty.HasReference() || empty.HasInlineData() || !empty.IsEmpty() {
		t.Errorf("empty slot misclassified: %+v", empty)
	}

	var nilSlot *ImageSlot
	if nilSlot.HasReference() || nilSlot.HasInlineData() || !nilSlot.IsEmpty() {
		t.Error("nil slot misclassified")
	}
}

// TestImageSlot_Promote verifies promotion rewrites an inline slot into
// a pure reference, keeping the display name and dropping the payload.
func TestImageSlot_Promote(t *testing.T) {
	slot := &ImageSlot{
		Data:         "data:image/png;base64,AAAA",
		Name:         "door.png",
		Size:         1234,
		LastModified: "2024-01-02T03:04:05Z",
	}
	slot.Promote("element-e1-g1-info-migrated")

	if slot.ImageKey != "element-e1-g1-info-migrated" || !slot.HasImage {
		t.Errorf("promotion did not set the reference: %+v", slot)
	}
	if slot.Data != "" || slot.Size != 0 || slot.LastModified != "" {
		t.Errorf("promotion left inline fields behind: %+v", slot)
	}
	if slot.Name != "door.png" {
		t.Errorf("promotion must keep the display name, got %q", slot.Name)
	}
	if slot.HasInlineData() {
		t.Error("promoted slot still reports inline data")
	}
}

// TestWallImages_MigratableSlots verifies the wall record walk pairs
// each slot with its deterministic migrated key.
func TestWallImages_MigratableSlots(t *testing.T) {
	walls := WallImages{
		"north": {Data: "data:image/png;base64,AAAA"},
		"south": nil,
	}

	slots := walls.MigratableSlots()
	if len(slots) != 1 {
		t.Fatalf("expected 1 migratable slot, got %d", len(slots))
	}
	if slots[0].MigratedKey != "wall-north-image-migrated" {
		t.Errorf("unexpected migrated key: %q", slots[0].MigratedKey)
	}
}

// TestRoomElements_MigratableSlots verifies the element walk descends
// into per-group question lists and also covers the element's direct
// info-image slot.
func TestRoomElements_MigratableSlots(t *testing.T) {
	elements := RoomElements{
		"e1": {
			Kind:      "safe",
			InfoImage: &ImageSlot{Data: "data:image/png;base64,AAAA"},
			Content: &ElementContent{
				Question: &ElementQuestion{
					Groups: map[string][]*GroupQuestion{
						"1": {
							{Prompt: "?", InfoImage: &ImageSlot{Data: "data:image/png;base64,BBBB"}},
							{Prompt: "?"},
							nil,
						},
					},
				},
			},
		},
		"e2": {Kind: "door"},
	}

	slots := elements.MigratableSlots()
	keys := make(map[string]bool, len(slots))
	for _, ms := range slots {
		keys[ms.MigratedKey] = true
	}

	if len(slots) != 2 {
		t.Fatalf("expected 2 migratable slots, got %d", len(slots))
	}
	if !keys["element-e1-info-migrated"] {
		t.Errorf("missing direct info-image slot, got %v", keys)
	}
	if !keys["element-e1-g1-info-migrated"] {
		t.Errorf("missing group question slot, got %v", keys)
	}
}

// TestFinalQuestions_MigratableSlots verifies the final-question walk.
func TestFinalQuestions_MigratableSlots(t *testing.T) {
	finals := FinalQuestions{
		"1": {Prompt: "escape?", Image: &ImageSlot{Data: "data:image/png;base64,AAAA"}},
		"2": {Prompt: "escape?"},
	}

	slots := finals.MigratableSlots()
	if len(slots) != 1 {
		t.Fatalf("expected 1 migratable slot, got %d", len(slots))
	}
	if slots[0].MigratedKey != "final-1-image-migrated" {
		t.Errorf("unexpected migrated key: %q", slots[0].MigratedKey)
	}
}

// TestRoomElement_RoundTrip verifies uninterpreted fields survive a
// decode/encode cycle untouched, which record rewrites rely on.
func TestRoomElement_RoundTrip(t *testing.T) {
	in := []byte(`{"kind":"safe","wall":"north","shape":{"x":1,"y":2,"r":30},"content":{"text":"locked"}}`)

	var el RoomElement
	if err := json.Unmarshal(in, &el); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(&el)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var a, b map[string]any
	if err := json.Unmarshal(in, &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(out, &b); err != nil {
		t.Fatal(err)
	}
	if a["shape"] == nil || b["shape"] == nil {
		t.Fatal("shape lost in round trip")
	}
	ashape, _ := json.Marshal(a["shape"])
	bshape, _ := json.Marshal(b["shape"])
	if string(ashape) != string(bshape) {
		t.Errorf("shape changed in round trip: %s vs %s", ashape, bshape)
	}
}

// TestInstructorKeys_DisjointFromStudentKeys verifies the reset
// allow-list can never overlap the delete-list.
func TestInstructorKeys_DisjointFromStudentKeys(t *testing.T) {
	student := make(map[string]bool)
	for _, k := range StudentKeys() {
		student[k] = true
	}
	for _, k := range InstructorKeys() {
		if student[k] {
			t.Errorf("key %q is both instructor and student scoped", k)
		}
	}
}
