package providers

import (
	"encoding/json"
	"regexp"

	"github.com/rotisserie/eris"
)

// ErrNoJSON is returned when a reply carries no JSON object
var ErrNoJSON = eris.New("no JSON object in reply")

var objectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractJSON decodes the outermost JSON object embedded in free text.
// Models often wrap their answer in prose or code fences.
func ExtractJSON(text string, v any) error {
	match := objectPattern.FindString(text)
	if match == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(match), v); err != nil {
		return eris.Wrap(err, "decode reply JSON")
	}
	return nil
}
