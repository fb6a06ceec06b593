package email

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	threadToken  = regexp.MustCompile(`thread_[0-9a-f]{16}`)
	msgIDPattern = regexp.MustCompile(`<([^<>\s]+)>`)
	replyPrefix  = regexp.MustCompile(`^(re|fw|fwd):\s*`)
	subjectTag   = regexp.MustCompile(`\[.*?\]\s*`)
	spaces       = regexp.MustCompile(`\s+`)
)

// ThreadKey derives a stable conversation key from the raw References and
// In-Reply-To headers and the subject. A thread token we issued earlier
// wins, then the first referenced Message-ID, then the normalized subject.
func ThreadKey(references, inReplyTo, subject string) string {
	refs := references + " " + inReplyTo
	if tok := threadToken.FindString(refs); tok != "" {
		return tok
	}
	if m := msgIDPattern.FindStringSubmatch(refs); m != nil {
		return hashKey(m[1])
	}
	return hashKey(NormalizeSubject(subject))
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "thread_" + hex.EncodeToString(sum[:])[:16]
}

// NormalizeSubject strips reply and forward prefixes and [tags] so every
// message of a conversation maps to the same subject.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(strings.ToLower(subject))
	for {
		next := strings.TrimSpace(subjectTag.ReplaceAllString(replyPrefix.ReplaceAllString(s, ""), ""))
		if next == s {
			break
		}
		s = next
	}
	s = spaces.ReplaceAllString(s, " ")
	s = strings.TrimRight(s, ".,!?;:")
	s = strings.TrimSpace(s)
	if s == "" {
		return "no_subject"
	}
	return s
}
