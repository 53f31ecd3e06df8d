package messenger

import "strings"

// Render fills the {first_name} and {group_name} placeholders of template.
// {{ and }} produce literal braces.
func Render(template, firstName, groupName string) string {
	r := strings.NewReplacer(
		"{{", "{",
		"}}", "}",
		"{first_name}", firstName,
		"{group_name}", groupName,
	)
	return r.Replace(template)
}
