package index

import (
	"errors"
	"fmt"

	"github.com/erikvanbrakel/depot/models"
)

var ErrNotFound = errors.New("not found in index")

// NotFoundError is returned when a package file or a version entry does not
// exist.
type NotFoundError struct {
	Version models.PackageVersion
	File    bool
}

func (e *NotFoundError) Error() string {
	if e.File {
		return fmt.Sprintf("package %s not found in index", e.Version.Name)
	}
	return fmt.Sprintf("version %s not found in index", e.Version)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
