package domain

import "time"

const (
	StatusToDo       = "To Do"
	StatusInProgress = "In Progress"
	StatusReview     = "Review"
	StatusDone       = "Done"
)

type User struct {
	ID             string `json:"_id"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

type SubTask struct {
	ID        string    `json:"_id"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}

type Comment struct {
	ID        string    `json:"_id"`
	Task      string    `json:"task"`
	Author    User      `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type Attachment struct {
	ID         string    `json:"_id"`
	FileName   string    `json:"fileName"`
	FileURL    string    `json:"fileUrl"`
	FileType   string    `json:"fileType"`
	FileSize   int64     `json:"fileSize"`
	UploadedBy string    `json:"uploadedBy"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Task is the full task representation, the same shape the REST read
// endpoint returns.
type Task struct {
	ID             string       `json:"_id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Project        string       `json:"project"`
	Status         string       `json:"status"`
	Priority       string       `json:"priority"`
	Assignees      []User       `json:"assignees"`
	DueDate        *time.Time   `json:"dueDate,omitempty"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	EstimatedHours *float64     `json:"estimatedHours,omitempty"`
	Tags           []string     `json:"tags"`
	Subtasks       []SubTask    `json:"subtasks"`
	Comments       []Comment    `json:"comments"`
	Attachments    []Attachment `json:"attachments"`
	CreatedBy      string       `json:"createdBy"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

func (t Task) EntityID() string { return t.ID }
func (t Task) Version() time.Time { return t.UpdatedAt }
