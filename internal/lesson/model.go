package lesson

import (
	"time"

	"github.com/uptrace/bun"
)

// Lesson categories. Children lessons mirror a parent's signup into every
// one of their registered children; standard lessons enroll the user alone.
const (
	CategoryStandard = "standard"
	CategoryChildren = "children"
)

type Lesson struct {
	bun.BaseModel `bun:"table:lessons,alias:l"`

	ID          int    `bun:"id,pk,autoincrement" json:"id"`
	Number      int    `bun:"number,notnull" json:"number"`
	Title       string `bun:"title,notnull" json:"title" validate:"required"`
	Teacher     string `bun:"teacher" json:"teacher"`
	Day         string `bun:"day" json:"day"`
	Time        string `bun:"time" json:"time"`
	Price       int    `bun:"price" json:"price"`
	Description string `bun:"description" json:"description"`
	Year        int    `bun:"year,notnull" json:"year" validate:"required"`
	Season      int    `bun:"season,notnull" json:"season" validate:"required,min=1,max=2"`
	Category    string `bun:"category,notnull,default:'standard'" json:"category" validate:"omitempty,oneof=standard children"`

	// Capacity is nil for unlimited lessons. CapacityLeft is a derived
	// cache recomputed after every membership change; it may go negative
	// when an admin over-enrolls.
	Capacity     *int `bun:"capacity" json:"capacity"`
	CapacityLeft *int `bun:"capacity_left" json:"capacityLeft"`
}

// ForChildren reports whether enrollment mirrors into child dependents.
func (l *Lesson) ForChildren() bool {
	return l.Category == CategoryChildren
}

// Member is one edge of the lesson/user membership relation. The
// autoincrement id is the append order and therefore the FCFS queue order;
// removing and re-adding a member places them at the end.
type Member struct {
	bun.BaseModel `bun:"table:lesson_members,alias:lm"`

	ID        int64     `bun:"id,pk,autoincrement"`
	LessonID  int       `bun:"lesson_id,notnull,unique:lesson_members_edge"`
	UserID    int       `bun:"user_id,notnull,unique:lesson_members_edge"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// ChildMember is the membership edge for child dependents, append-ordered
// the same way as Member.
type ChildMember struct {
	bun.BaseModel `bun:"table:lesson_child_members,alias:lcm"`

	ID        int64     `bun:"id,pk,autoincrement"`
	LessonID  int       `bun:"lesson_id,notnull,unique:lesson_child_members_edge"`
	ChildID   int       `bun:"child_id,notnull,unique:lesson_child_members_edge"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// CreateRequest is the request body for creating a lesson
type CreateRequest struct {
	Number      int    `json:"number" validate:"required"`
	Title       string `json:"title" validate:"required"`
	Teacher     string `json:"teacher"`
	Day         string `json:"day"`
	Time        string `json:"time"`
	Price       int    `json:"price"`
	Description string `json:"description"`
	Year        int    `json:"year" validate:"required"`
	Season      int    `json:"season" validate:"required,min=1,max=2"`
	Category    string `json:"category" validate:"omitempty,oneof=standard children"`
	Capacity    *int   `json:"capacity" validate:"omitempty,min=0"`
}

// UpdateRequest is the request body for a partial lesson update
type UpdateRequest struct {
	Number      *int    `json:"number"`
	Title       *string `json:"title"`
	Teacher     *string `json:"teacher"`
	Day         *string `json:"day"`
	Time        *string `json:"time"`
	Price       *int    `json:"price"`
	Description *string `json:"description"`
	Year        *int    `json:"year"`
	Season      *int    `json:"season" validate:"omitempty,min=1,max=2"`
	Category    *string `json:"category" validate:"omitempty,oneof=standard children"`
	Capacity    *int    `json:"capacity" validate:"omitempty,min=0"`
}

// Position is the FCFS queue rank of the requesting user in one lesson.
// Zero means "not enrolled", it is not an error.
type Position struct {
	LessonID int `json:"lesson_id"`
	Rank     int `json:"user_position"`
}

// EnrollmentEvent is published to NATS after a successful transition.
type EnrollmentEvent struct {
	Action     string    `json:"action"` // "signup" or "cancel"
	LessonID   int       `json:"lesson_id"`
	UserID     int       `json:"user_id"`
	Username   string    `json:"username"`
	OccurredAt time.Time `json:"occurred_at"`
}
