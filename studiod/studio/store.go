package studio

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// FileSuffix is appended to session files saved without it.
const FileSuffix = ".streamstudio"

// SaveDescriptions writes one pipeline description per line and returns the
// path actually written.
func SaveDescriptions(path string, descriptions []string) (string, error) {
	if len(descriptions) == 0 {
		return "", fmt.Errorf("%w: nothing to save", ErrInvalidDescription)
	}
	if !strings.HasSuffix(path, FileSuffix) {
		path += FileSuffix
	}

	var b strings.Builder
	for _, d := range descriptions {
		if err := validDescription(d); err != nil {
			return "", err
		}
		b.WriteString(d)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// LoadDescriptions reads a session file. Blank lines are skipped.
func LoadDescriptions(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var descriptions []string
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		d := strings.TrimSpace(scanner.Text())
		if d == "" {
			continue
		}
		if !utf8.ValidString(d) {
			return nil, fmt.Errorf("%w: %s:%d is not valid UTF-8", ErrInvalidDescription, path, line)
		}
		descriptions = append(descriptions, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return descriptions, nil
}

func validDescription(d string) error {
	switch {
	case strings.TrimSpace(d) == "":
		return fmt.Errorf("%w: empty description", ErrInvalidDescription)
	case strings.ContainsAny(d, "\r\n"):
		return fmt.Errorf("%w: %q spans several lines", ErrInvalidDescription, d)
	case !utf8.ValidString(d):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidDescription)
	}
	return nil
}
