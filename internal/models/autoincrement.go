package models

// AutoIncrementRange is a block [Start, Stop) of identifiers handed to this
// device.
type AutoIncrementRange struct {
	Start     int  `json:"start"`
	Stop      int  `json:"stop"`
	FullyUsed bool `json:"fully_used"`
	Using     bool `json:"using"`
}

// AutoIncrementState is the allocator state of one form field.
type AutoIncrementState struct {
	ID         string               `json:"_id"`
	Rev        string               `json:"-"`
	LastUsedID *int                 `json:"last_used_id"`
	Ranges     []AutoIncrementRange `json:"ranges"`
}

// AutoIncrementReference names a field that uses an allocator.
type AutoIncrementReference struct {
	FormID  string `json:"form_id"`
	FieldID string `json:"field_id"`
	Label   string `json:"label,omitempty"`
}

// AutoIncrementReferences is the list of allocator fields of a project.
type AutoIncrementReferences struct {
	Rev        string                   `json:"-"`
	References []AutoIncrementReference `json:"references"`
}

// AutoIncrementStatus is the display summary of one allocator.
type AutoIncrementStatus struct {
	Label    string `json:"label"`
	LastUsed *int   `json:"last_used"`
	End      *int   `json:"end"`
}
