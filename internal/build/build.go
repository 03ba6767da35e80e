package build

import "strings"

var (
	Version = "dev"
	AppName = "TaskGate"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
