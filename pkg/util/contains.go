package utils

// Contains reports whether s is one of list.
func Contains(s string, list []string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
