package common

import (
	"fmt"
	"regexp"
	"time"
)

// DateLayout is the absolute form accepted by the since/until filters
const DateLayout = "2006-01-02"

// relativeDate matches offsets counted back from today, e.g. 3M, 1Y, 10D
var relativeDate = regexp.MustCompile(`^[0-9]+[DMYdmy]$`)

// ValidateDateFilter accepts an empty filter, an absolute YYYY-MM-DD date or a
// relative offset. The API resolves relative offsets itself.
func ValidateDateFilter(name, value string) error {
	if value == "" || relativeDate.MatchString(value) {
		return nil
	}
	if _, err := time.Parse(DateLayout, value); err != nil {
		return fmt.Errorf("%s %q must be YYYY-MM-DD or a relative offset like 3M", name, value)
	}
	return nil
}
