package memory

import "github.com/voicegate/gateway/pkg/types"

// TranscriptEntry is a complete exchange record written to the session log.
type TranscriptEntry = types.TranscriptEntry
