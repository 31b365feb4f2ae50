package stt

import "github.com/voicegate/gateway/pkg/types"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript = types.Transcript

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail = types.WordDetail

// KeywordBoost represents a keyword to boost in STT recognition.
type KeywordBoost = types.KeywordBoost
