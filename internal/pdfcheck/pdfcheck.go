// Package pdfcheck rejects downloads that are not PDF documents, such as an
// HTML error page saved in place of the compiled output.
package pdfcheck

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrNotPDF is returned when the file lacks the %PDF- header.
var ErrNotPDF = errors.New("pdfcheck: not a PDF document")

var disableConfigDir sync.Once

// Validate checks the header of the file at path and then parses it with
// pdfcpu in relaxed mode.
func Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	head := make([]byte, 5)
	_, err = io.ReadFull(f, head)
	f.Close()
	if err != nil || !bytes.Equal(head, []byte("%PDF-")) {
		return ErrNotPDF
	}

	// pdfcpu would otherwise create a config dir in the user's home.
	disableConfigDir.Do(api.DisableConfigDir)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, conf); err != nil {
		return fmt.Errorf("pdfcheck: %w", err)
	}
	return nil
}
