package protocol

// ProtocolVersion is bumped whenever frame or event payload shapes change
// in a way operator consoles must know about.
const ProtocolVersion = 1

// WebSocket event names pushed from server to operator consoles.
const (
	EventMessageNew        = "message.new"
	EventChatViewed        = "chat.viewed"
	EventAdvisorChanged    = "advisor.changed"
	EventBotStatusChanged  = "bot.status.changed"
	EventRoomStatusChanged = "room.status.changed"
	EventAssistanceClosed  = "assistance.closed"
	EventAdvisorRequested  = "advisor.requested"
	EventTyping            = "typing"

	EventHealth   = "health"
	EventShutdown = "shutdown"

	// Internal events, not forwarded to WS clients.
	EventCacheInvalidate = "cache.invalidate"
)
