package stream

import "strings"

// Content separators: characters that delimit tokens in post text, beyond
// whitespace. '@', '#', '-', '_', '.' and '\'' stay inside tokens so
// mentions, hashtags, and contractions survive tokenization; a trailing '.'
// is stripped so sentence-ending mentions still resolve.
const separators = ",;:!?\"()[]{}<>/\\|=+*&^%$~`"

func isSeparator(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return strings.ContainsRune(separators, r)
}

// Tokenize splits text into lowercase tokens on whitespace and content
// separators. Matching throughout the stream core is case-insensitive;
// original case is preserved only in stored text.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), isSeparator)
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		token := strings.Trim(field, ".'")
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// TokenSet returns the distinct lowercase tokens of text.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, token := range Tokenize(text) {
		set[token] = struct{}{}
	}
	return set
}

// Mentions extracts the distinct @mention usernames from text, without the
// leading '@'. A bare '@' is not a mention.
func Mentions(text string) map[string]struct{} {
	mentions := make(map[string]struct{})
	for _, token := range Tokenize(text) {
		if len(token) > 1 && token[0] == '@' {
			mentions[strings.TrimLeft(token, "@")] = struct{}{}
		}
	}
	delete(mentions, "")
	return mentions
}

// Hashtags extracts the distinct #hashtag tokens from text, without the
// leading '#'.
func Hashtags(text string) map[string]struct{} {
	hashtags := make(map[string]struct{})
	for _, token := range Tokenize(text) {
		if len(token) > 1 && token[0] == '#' {
			hashtags[strings.TrimLeft(token, "#")] = struct{}{}
		}
	}
	delete(hashtags, "")
	return hashtags
}

// HasToken reports whether the exact lowercase token appears in text. Used
// to resolve over-inclusive repository substring matches (#joco must not
// match #joco2020).
func HasToken(text, token string) bool {
	token = strings.ToLower(token)
	for _, candidate := range Tokenize(text) {
		if candidate == token {
			return true
		}
	}
	return false
}

// ContainsMutedKeyword reports whether any of the viewer's muted keywords
// appears in the text's tokens. Keywords are matched case-insensitively as
// substrings of individual tokens.
func ContainsMutedKeyword(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	tokens := Tokenize(text)
	for _, keyword := range keywords {
		keyword = strings.ToLower(keyword)
		if keyword == "" {
			continue
		}
		for _, token := range tokens {
			if strings.Contains(token, keyword) {
				return true
			}
		}
	}
	return false
}

func setDiff(a, b map[string]struct{}) map[string]struct{} {
	diff := make(map[string]struct{})
	for item := range a {
		if _, ok := b[item]; !ok {
			diff[item] = struct{}{}
		}
	}
	return diff
}
