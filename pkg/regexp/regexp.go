package regexp

import "regexp"

//nolint:gochecknoglobals
var (
	// lower case letters and digits.
	alphaNumericRegexp = match(`[a-z0-9]+`)

	// one period, one or two underscores, or any number of dashes.
	separatorRegexp = match(`(?:[._]|__|[-]*)`)

	// a path component starts and ends with an alphanumeric run.
	nameComponentRegexp = expression(
		alphaNumericRegexp,
		optional(repeated(separatorRegexp, alphaNumericRegexp)))

	// NameRegexp matches a repository name made of slash separated components.
	NameRegexp = expression(
		nameComponentRegexp,
		optional(repeated(literal(`/`), nameComponentRegexp)))

	// FullNameRegexp matches a whole string against NameRegexp.
	FullNameRegexp = expression(match("^"), NameRegexp, match("$"))

	// TagRegexp matches a tag, at most 128 characters.
	TagRegexp = match(`[\w][\w.-]{0,127}`)

	// FullTagRegexp matches a whole string against TagRegexp.
	FullTagRegexp = expression(match("^"), TagRegexp, match("$"))
)

// IsRepositoryName reports whether name can be served as a repository.
func IsRepositoryName(name string) bool {
	return FullNameRegexp.MatchString(name)
}

// IsTag reports whether name can be used as a tag.
func IsTag(name string) bool {
	return FullTagRegexp.MatchString(name)
}

//nolint:gochecknoglobals
var match = regexp.MustCompile

func literal(s string) *regexp.Regexp {
	regx := match(regexp.QuoteMeta(s))

	if _, complete := regx.LiteralPrefix(); !complete {
		panic("must be a literal")
	}

	return regx
}

// expression concatenates res in order.
func expression(res ...*regexp.Regexp) *regexp.Regexp {
	var s string
	for _, re := range res {
		s += re.String()
	}

	return match(s)
}

func optional(res ...*regexp.Regexp) *regexp.Regexp {
	return match(group(expression(res...)).String() + `?`)
}

func repeated(res ...*regexp.Regexp) *regexp.Regexp {
	return match(group(expression(res...)).String() + `+`)
}

func group(res ...*regexp.Regexp) *regexp.Regexp {
	return match(`(?:` + expression(res...).String() + `)`)
}
