package cli

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"

	"go.uber.org/zap"
)

func isMissingFile(err error) bool {
	return stderrors.Is(err, fs.ErrNotExist)
}

// newZapLogger logs client activity to stderr when verbose
func newZapLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// printJSON indents a JSON reply; anything else is printed as is
func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}
