package server

import "strings"

// ExpandPathParameters fills a REST resource template such as
// "/api/{version}/{proxy+}" with the matched path parameters. A greedy
// {proxy+} segment consumes the rest of the template. Unknown names and
// unterminated braces are kept literally.
func ExpandPathParameters(resource string, params map[string]string) string {
	var b strings.Builder
	b.Grow(2 * len(resource))

	rest := resource
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])

		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest[open:])
			return b.String()
		}
		end += open

		name := rest[open+1 : end]
		switch v, ok := params[name]; {
		case name == "proxy+":
			b.WriteString(params["proxy"])
			return b.String()
		case ok:
			b.WriteString(v)
		default:
			b.WriteString(rest[open : end+1])
		}
		rest = rest[end+1:]
	}
}

// StripStage removes a leading "/{stage}" segment that HTTP gateways keep in
// rawPath for named stages. The "$default" stage never prefixes the path.
func StripStage(path, stage string) string {
	if stage == "" || stage == RouteDefault {
		return path
	}
	prefix := "/" + stage
	switch {
	case path == prefix:
		return "/"
	case strings.HasPrefix(path, prefix+"/"):
		return path[len(prefix):]
	}
	return path
}
