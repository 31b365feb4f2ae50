package tts

import "github.com/voicegate/gateway/pkg/types"

// VoiceProfile describes a TTS voice configuration for an assistant persona.
// It is an alias of [types.VoiceProfile], the type the [Provider] interface
// methods take and return.
type VoiceProfile = types.VoiceProfile
