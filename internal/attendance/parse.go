package attendance

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	studentIDPattern = regexp.MustCompile(`^\d{9}$`)
	gradePattern     = regexp.MustCompile(`^\d{1,2}$`)
)

// Payload is the identity extracted from a badge or manual entry.
type Payload struct {
	Name      *string
	StudentID string
	Grade     *int
}

// ParsePayload accepts "NAME, ID, GRADE" or a bare 9-digit id.
func ParsePayload(raw string) (Payload, error) {
	text := strings.TrimSpace(strings.ReplaceAll(raw, "\u00a0", " "))
	if text == "" {
		return Payload{}, fmt.Errorf("%w: empty", ErrParse)
	}

	parts := strings.Split(text, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var p Payload
	if len(parts) >= 2 {
		if parts[0] != "" {
			name := parts[0]
			p.Name = &name
		}
		p.StudentID = parts[1]
		if len(parts) >= 3 && gradePattern.MatchString(parts[2]) {
			g, _ := strconv.Atoi(parts[2])
			p.Grade = &g
		}
	} else {
		p.StudentID = parts[0]
	}

	if !studentIDPattern.MatchString(p.StudentID) {
		return Payload{}, fmt.Errorf("%w: no 9-digit student id", ErrParse)
	}
	return p, nil
}
