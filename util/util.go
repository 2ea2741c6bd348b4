package util

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

func UserAgent() string {
	return fmt.Sprintf("%s/1.0 ActivityPub", Name)
}

// NormalizeInput flattens and HTML-escapes untrusted upstream text before
// it is embedded into locally minted note content.
func NormalizeInput(text string) string {
	normalized := strings.Replace(text, "\n", " ", -1)
	normalized = html.EscapeString(normalized)
	return normalized
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}
