package typing

import "fmt"

// Summary renders the typers line shown under an input field.
func Summary(typers []Typer) string {
	switch len(typers) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", typers[0].Handle)
	case 2:
		return fmt.Sprintf("%s and %s are typing…", typers[0].Handle, typers[1].Handle)
	default:
		return fmt.Sprintf("%s and %d others are typing…", typers[0].Handle, len(typers)-1)
	}
}
