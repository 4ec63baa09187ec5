package browser

// matchURL reports whether url matches pattern. '*' matches any run of
// characters including '/'; everything else is literal. An empty pattern
// matches nothing. Unlike path.Match there are no character classes and
// no way for a pattern to be malformed.
func matchURL(pattern, url string) bool {
	if pattern == "" {
		return false
	}

	p, s := 0, 0
	star, mark := -1, 0
	for s < len(url) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, s
			p++
		case p < len(pattern) && pattern[p] == url[s]:
			p++
			s++
		case star >= 0:
			// backtrack: widen the last '*' by one character
			mark++
			p = star + 1
			s = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
