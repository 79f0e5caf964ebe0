package model

import "time"

// FillableFields lists the attributes a client may set in a single create or
// update request. Transport code reads only these keys.
var FillableFields = []string{"task_name", "term", "point"}

// Housework is one persisted task entry. Point is kept as an opaque string;
// nothing in the application interprets it as a number.
type Housework struct {
	ID        int64     `json:"id"`
	TaskName  string    `json:"task_name"`
	Term      string    `json:"term"`
	Point     string    `json:"point"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HouseworkFields is the set of assignable attributes of a Housework.
type HouseworkFields struct {
	TaskName string `json:"task_name"`
	Term     string `json:"term"`
	Point    string `json:"point"`
}

// NewHousework returns an unsaved Housework holding f. ID stays zero until a
// store assigns one.
func NewHousework(f HouseworkFields) *Housework {
	h := &Housework{}
	h.Assign(f)
	return h
}

// Assign overwrites all three fillable attributes.
func (h *Housework) Assign(f HouseworkFields) {
	h.TaskName = f.TaskName
	h.Term = f.Term
	h.Point = f.Point
}

func (h *Housework) Fields() HouseworkFields {
	return HouseworkFields{TaskName: h.TaskName, Term: h.Term, Point: h.Point}
}
