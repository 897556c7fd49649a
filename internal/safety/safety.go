// Package safety implements SafetyFilter: a pure classifier that decides
// whether locally observed clipboard content is safe to sync, or should be
// skipped because it looks like a secret or exceeds the configured size.
// It never examines ciphertext — only plaintext observed from the local
// clipboard (spec §4.4).
package safety

import (
	"math"
	"regexp"
	"unicode"
)

// Verdict is the result of classifying a payload.
type Verdict string

const (
	SyncOk       Verdict = "SyncOk"
	SkipSecret   Verdict = "SkipSecret"
	SkipTooLarge Verdict = "SkipTooLarge"
)

// Reason further explains a SkipSecret verdict, used in audit events.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonSSHPrivateKey     Reason = "SshPrivateKey"
	ReasonSSHPublicKeyPair  Reason = "SshPublicKeyWithPrivateCounterpart"
	ReasonAPIToken          Reason = "ApiTokenPattern"
	ReasonPasswordManager   Reason = "PasswordManagerSignature"
	ReasonHighEntropy       Reason = "HighEntropy"
	ReasonSensitiveApp      Reason = "SensitiveForegroundApp"
)

// entropyMinLen/MaxLen bound the payload sizes the entropy heuristic
// applies to — too short and entropy is meaningless noise, too long and
// legitimate compressible text starts tripping it.
const (
	entropyMinLen = 32
	entropyMaxLen = 512
)

// DefaultEntropyThreshold is the default Shannon entropy (bits/byte) above
// which printable-ASCII content in [entropyMinLen, entropyMaxLen] is
// treated as a likely random secret.
const DefaultEntropyThreshold = 4.5

// tokenPatterns matches common API token prefixes. Documented, configured
// set — adding a new pattern here is how operators extend detection.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}\b`),       // GitHub personal access token
	regexp.MustCompile(`\bgho_[A-Za-z0-9]{20,}\b`),       // GitHub OAuth token
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`), // Slack token
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),           // AWS access key id
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),        // generic "sk-" secret key prefix
	regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`),      // Google API key
}

var (
	sshPrivateKeyPattern = regexp.MustCompile(`-----BEGIN (?:OPENSSH|RSA|EC|DSA) PRIVATE KEY-----`)
	sshPublicKeyPattern  = regexp.MustCompile(`^(?:ssh-ed25519|ssh-rsa|ecdsa-sha2-[a-z0-9-]+) [A-Za-z0-9+/=]+`)
	passwordManagerSig   = regexp.MustCompile(`(?i)\b(1password|bitwarden|lastpass|keepass)\b.*(password|generated)`)
)

// Config tunes the filter's thresholds; callers typically pass the
// equivalent fields straight from config.Config.
type Config struct {
	MaxSize          int64
	EntropyThreshold float64
	SensitiveApps    []string // advisory; checked against an externally supplied foreground-app name
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig(maxSize int64) Config {
	return Config{MaxSize: maxSize, EntropyThreshold: DefaultEntropyThreshold}
}

// Classify applies the safety rules to data (the plaintext bytes observed
// on the local clipboard) for the given MIME type, with foregroundApp
// being the best-effort name of the active foreground process (empty if
// unknown). It returns the verdict and, for SkipSecret, the specific
// reason for audit logging.
func Classify(cfg Config, mimeType string, data []byte, foregroundApp string) (Verdict, Reason) {
	if int64(len(data)) > cfg.MaxSize {
		return SkipTooLarge, ReasonNone
	}

	for _, app := range cfg.SensitiveApps {
		if app != "" && app == foregroundApp {
			return SkipSecret, ReasonSensitiveApp
		}
	}

	if mimeType == "text/plain" || mimeType == "text/html" || mimeType == "text/rtf" {
		text := data
		if sshPrivateKeyPattern.Match(text) {
			return SkipSecret, ReasonSSHPrivateKey
		}
		if sshPublicKeyPattern.Match(text) {
			return SkipSecret, ReasonSSHPublicKeyPair
		}
		if passwordManagerSig.Match(text) {
			return SkipSecret, ReasonPasswordManager
		}
		for _, re := range tokenPatterns {
			if re.Match(text) {
				return SkipSecret, ReasonAPIToken
			}
		}
		if isLikelyRandomSecret(text, cfg.EntropyThreshold) {
			return SkipSecret, ReasonHighEntropy
		}
	}

	return SyncOk, ReasonNone
}

// isLikelyRandomSecret applies the Shannon-entropy heuristic described in
// spec §4.4: printable ASCII, length in [entropyMinLen, entropyMaxLen],
// entropy above threshold.
func isLikelyRandomSecret(data []byte, threshold float64) bool {
	if len(data) < entropyMinLen || len(data) > entropyMaxLen {
		return false
	}
	if !isPrintableASCII(data) {
		return false
	}
	return shannonEntropy(data) > threshold
}

func isPrintableASCII(data []byte) bool {
	for _, b := range data {
		if b > unicode.MaxASCII {
			return false
		}
		r := rune(b)
		if !unicode.IsPrint(r) && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
	}
	return true
}

// shannonEntropy returns the Shannon entropy of data in bits per byte.
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	n := float64(len(data))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
