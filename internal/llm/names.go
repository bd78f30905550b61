package llm

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English, cases.NoLower)

// displayName turns a model ID such as "llama3.2:latest" or "claude-3-haiku"
// into a human readable name.
func displayName(id string) string {
	name, tag, _ := strings.Cut(id, ":")
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	name = titleCaser.String(name)
	if tag != "" && tag != "latest" {
		name += " " + tag
	}
	return name
}
