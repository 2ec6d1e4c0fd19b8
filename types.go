// Package imagestore implements the storage engine behind the escape-room
// authoring and play application: a small synchronous metadata store for
// structured room records, an asynchronous blob store for image bytes, a
// bounded in-memory lifecycle cache fronting the blob store, a one-shot
// migration that moves legacy inline images out of metadata records, and
// the session-boundary reset that isolates one student's session from the
// next.
//
// The root package defines the data conventions shared by every
// subsystem: the well-known metadata record keys, the image slot (a
// reference to out-of-line bytes, or a legacy inline image), and the
// fixed shapes of the instructor-authored records that the migration
// procedure walks.
package imagestore

import "encoding/json"

// Well-known metadata record keys. The migration walk and the session
// reset match on these exact strings; they are part of the on-disk
// contract with the authoring views and must not change.
const (
	// Instructor-authored content records. Preserved across session
	// resets, walked by migration.
	KeyRoomImagesByWall        = "room-images-by-wall"
	KeyRoomElementsByID        = "room-elements-by-id"
	KeyFinalQuestionByGroup    = "final-question-by-group"
	KeyQuestionSettingsByGroup = "question-settings-by-group"

	// Per-student records. Deleted whenever a new session identity is
	// observed.
	KeyStudentProgress    = "student-progress"
	KeyStudentSolvedItems = "student-solved-items"

	// Engine bookkeeping.
	KeyLastSessionID     = "last-session-id"
	KeyMigrationComplete = "image-migration-complete"
)

// InstructorKeys returns the exact allow-list of record keys that a
// session reset must never touch.
func InstructorKeys() []string {
	return []string{
		KeyRoomImagesByWall,
		KeyRoomElementsByID,
		KeyFinalQuestionByGroup,
		KeyQuestionSettingsByGroup,
	}
}

// StudentKeys returns the record keys deleted on a session change.
func StudentKeys() []string {
	return []string{
		KeyStudentProgress,
		KeyStudentSolvedItems,
	}
}

// ImageSlot is the value stored wherever a metadata record needs an
// image. It carries exactly one of two forms:
//
//   - a reference: ImageKey names bytes held in the blob store, and
//     HasImage is true;
//   - a legacy inline image: Data embeds the bytes as a data-URI
//     directly inside the record (the pre-migration format).
//
// A slot holding neither form means "no image". After migration a slot
// must never carry both forms at once.
type ImageSlot struct {
	// Reference form.
	ImageKey string `json:"imageKey,omitempty"`
	HasImage bool   `json:"hasImage,omitempty"`

	// Shared display metadata.
	Name string `json:"name,omitempty"`

	// Legacy inline form.
	Data         string `json:"data,omitempty"`
	Size         int64  `json:"size,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

// HasReference reports whether the slot points at blob-store bytes.
func (s *ImageSlot) HasReference() bool {
	return s != nil && s.ImageKey != ""
}

// HasInlineData reports whether the slot still embeds legacy inline
// bytes that migration should move out of line.
func (s *ImageSlot) HasInlineData() bool {
	return s != nil && s.ImageKey == "" && s.Data != ""
}

// IsEmpty reports whether the slot holds no image in either form.
func (s *ImageSlot) IsEmpty() bool {
	return s == nil || (s.ImageKey == "" && s.Data == "")
}

// Promote rewrites a legacy inline slot into a reference to key,
// preserving the display name and dropping the inline payload.
func (s *ImageSlot) Promote(key string) {
	s.ImageKey = key
	s.HasImage = true
	s.Data = ""
	s.Size = 0
	s.LastModified = ""
}

// WallImages is the shape of the "room-images-by-wall" record: one
// image slot per wall identifier.
type WallImages map[string]*ImageSlot

// RoomElements is the shape of the "room-elements-by-id" record.
type RoomElements map[string]*RoomElement

// RoomElement is one clickable region of the room. Fields the engine
// does not interpret (geometry, styling) are carried as raw JSON so a
// record rewrite round-trips them untouched.
type RoomElement struct {
	Kind      string          `json:"kind,omitempty"`
	Wall      string          `json:"wall,omitempty"`
	Shape     json.RawMessage `json:"shape,omitempty"`
	InfoImage *ImageSlot      `json:"infoImage,omitempty"`
	Content   *ElementContent `json:"content,omitempty"`
}

// ElementContent holds the quiz payload attached to an element.
type ElementContent struct {
	Text     string           `json:"text,omitempty"`
	Question *ElementQuestion `json:"question,omitempty"`
}

// ElementQuestion holds the per-group question lists of an element.
type ElementQuestion struct {
	Settings json.RawMessage             `json:"settings,omitempty"`
	Groups   map[string][]*GroupQuestion `json:"groups,omitempty"`
}

// GroupQuestion is a single question shown to one student group. The
// info image is the reward/info picture revealed on a correct answer.
type GroupQuestion struct {
	Prompt    string          `json:"prompt,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	InfoImage *ImageSlot      `json:"infoImage,omitempty"`
}

// FinalQuestions is the shape of the "final-question-by-group" record:
// the closing question each group must answer to escape.
type FinalQuestions map[string]*FinalQuestion

// FinalQuestion is the closing question for one group.
type FinalQuestion struct {
	Prompt string          `json:"prompt,omitempty"`
	Answer json.RawMessage `json:"answer,omitempty"`
	Image  *ImageSlot      `json:"image,omitempty"`
}

// MigratableSlot pairs an image slot with the blob-store key its bytes
// take when moved out of line by migration.
type MigratableSlot struct {
	Slot        *ImageSlot
	MigratedKey string
}

// MigratableSlots enumerates every image slot of the wall-images
// record, paired with its migrated key.
func (w WallImages) MigratableSlots() []MigratableSlot {
	var out []MigratableSlot
	for wall, slot := range w {
		if slot == nil {
			continue
		}
		out = append(out, MigratableSlot{
			Slot:        slot,
			MigratedKey: MigratedImageKey("wall", wall, "", "image"),
		})
	}
	return out
}

// MigratableSlots enumerates every image slot of the room-elements
// record. The walk descends into each element's per-group question
// lists (the reward/info image of every question) and also checks the
// element's own direct info-image slot.
func (e RoomElements) MigratableSlots() []MigratableSlot {
	var out []MigratableSlot
	for id, el := range e {
		if el == nil {
			continue
		}
		if el.InfoImage != nil {
			out = append(out, MigratableSlot{
				Slot:        el.InfoImage,
				MigratedKey: MigratedImageKey("element", id, "", "info"),
			})
		}
		if el.Content == nil || el.Content.Question == nil {
			continue
		}
		for group, questions := range el.Content.Question.Groups {
			for _, q := range questions {
				if q == nil || q.InfoImage == nil {
					continue
				}
				out = append(out, MigratableSlot{
					Slot:        q.InfoImage,
					MigratedKey: MigratedImageKey("element", id, group, "info"),
				})
			}
		}
	}
	return out
}

// MigratableSlots enumerates every image slot of the final-question
// record.
func (f FinalQuestions) MigratableSlots() []MigratableSlot {
	var out []MigratableSlot
	for group, q := range f {
		if q == nil || q.Image == nil {
			continue
		}
		out = append(out, MigratableSlot{
			Slot:        q.Image,
			MigratedKey: MigratedImageKey("final", group, "", "image"),
		})
	}
	return out
}
