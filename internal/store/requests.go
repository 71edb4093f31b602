package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fruitsalade/vault/internal/errs"
	"github.com/fruitsalade/vault/internal/models"
)

var validate = validator.New()

// WriteRequest creates or replaces a document.
type WriteRequest struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

// ReadRequest addresses a file or folder. An empty Path means the root.
type ReadRequest struct {
	Path string `json:"path"`
}

// ListRequest addresses a folder. An empty Path means the root.
type ListRequest struct {
	Path string `json:"path"`
}

// FolderRequest creates a folder.
type FolderRequest struct {
	Path string `json:"path" validate:"required"`
}

// DeleteRequest removes a file or folder.
type DeleteRequest struct {
	Path      string `json:"path" validate:"required"`
	Recursive bool   `json:"recursive"`
}

// MoveRequest renames Source to Target.
type MoveRequest struct {
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
}

// WriteResult reports a successful write.
type WriteResult struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
	Size    int64  `json:"size"`
}

// ReadResult is either a folder snapshot (IsDir, Tree) or a file (Content).
type ReadResult struct {
	Path      string         `json:"path"`
	IsDir     bool           `json:"is_dir"`
	Tree      []*models.Node `json:"tree,omitempty"`
	Content   string         `json:"content,omitempty"`
	Size      int64          `json:"size"`
	ModTime   time.Time      `json:"mod_time"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}

// Info describes one entry without reading it.
type Info struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListResult holds the ordered visible names of a folder.
type ListResult struct {
	Path  string   `json:"path"`
	Names []string `json:"names"`
}

// FolderResult reports a created folder.
type FolderResult struct {
	Path string `json:"path"`
}

// DeleteResult reports a removed entry.
type DeleteResult struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// MoveResult reports a completed rename.
type MoveResult struct {
	Source string `json:"source"`
	Target string `json:"target"`
	IsDir  bool   `json:"is_dir"`
}

func check(op string, req any) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errs.Invalid(op, "", fmt.Sprintf("%s is %s", verrs[0].Field(), verrs[0].Tag()))
		}
		return errs.Invalid(op, "", err.Error())
	}
	return nil
}
