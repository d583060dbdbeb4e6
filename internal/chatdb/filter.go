package chatdb

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Noise classifies why a row's text was discarded by the reader.
type Noise string

const (
	NoiseNone     Noise = ""
	NoiseEmpty    Noise = "empty"
	NoiseTooShort Noise = "too_short"
	NoiseSymbols  Noise = "symbols_only"
	NoiseCarrier  Noise = "carrier_notification"
)

// artifactRunes are left behind by tapbacks and read receipts.
const artifactRunes = "+\u200d\u200b\u00a0!?.,;:-_=/"

var carrierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)your voicemail`),
	regexp.MustCompile(`(?i)minutes remaining`),
	regexp.MustCompile(`(?i)data usage`),
	regexp.MustCompile(`(?i)account balance`),
	regexp.MustCompile(`(?i)^You have \d+ new`),
	regexp.MustCompile(`(?i)your plan has been`),
	regexp.MustCompile(`(?i)reply STOP to`),
	regexp.MustCompile(`(?i)service notification`),
	regexp.MustCompile(`(?i)verification code`),
	regexp.MustCompile(`(?i)^Your .+ code is`),
}

// Classify reports whether trimmed message text is reader-level noise.
func Classify(text string) Noise {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return NoiseEmpty
	}
	if utf8.RuneCountInString(cleaned) <= 1 {
		return NoiseTooShort
	}
	if strings.Trim(cleaned, artifactRunes) == "" {
		return NoiseSymbols
	}
	if IsCarrierNotification(cleaned) {
		return NoiseCarrier
	}
	return NoiseNone
}

// IsCarrierNotification reports whether text matches a known carrier/system
// notification (OTP codes, data alerts, voicemail).
func IsCarrierNotification(text string) bool {
	for _, p := range carrierPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
