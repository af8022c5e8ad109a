package store

// Well-known keys in the durable namespace. Everything else uses the
// prefix helpers below.
const (
	KeySoul             = "soul"
	KeyWisdom           = "wisdom"
	KeyConfigDefaults   = "config:defaults"
	KeyConfigModels     = "config:models"
	KeyConfigResources  = "config:resources"
	KeyWakeConfig       = "wake_config"
	KeyLastReflect      = "last_reflect"
	KeySessionCounter   = "session_counter"
	KeyLastCompleted    = "session:last_completed"
	KeyBreadcrumb       = "session:active"
	KeyDeepSchedule     = "deep_reflect_schedule"
	KeyUsageLifetime    = "usage:lifetime"
	KeyTripwireState    = "tripwire_state"
	KeyProviderCode     = "provider:llm:code"
	KeyProviderMeta     = "provider:llm:meta"
	KeySnapshotCode     = "provider:llm:last_working:code"
	KeySnapshotMeta     = "provider:llm:last_working:meta"
	PrefixPrompt        = "prompt:"
	PrefixKarma         = "karma:"
	PrefixSecret        = "secret:"
	PrefixTool          = "tool:"
	PrefixToolData      = "tooldata:"
)

// KarmaKey returns the flight-recorder key for a session.
func KarmaKey(sessionID string) string { return PrefixKarma + sessionID }

// PromptKey returns the key holding a named prompt template.
func PromptKey(name string) string { return PrefixPrompt + name }

// SecretKey returns the key holding a self-provisioned secret.
func SecretKey(name string) string { return PrefixSecret + name }

// ToolCodeKey returns the key holding a capability's source code.
func ToolCodeKey(name string) string { return PrefixTool + name + ":code" }

// ToolMetaKey returns the key holding a capability's declared permissions.
func ToolMetaKey(name string) string { return PrefixTool + name + ":meta" }

// ToolDataPrefix returns the private namespace prefix for a capability.
func ToolDataPrefix(name string) string { return PrefixToolData + name + ":" }
