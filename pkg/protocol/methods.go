package protocol

// RPC method names accepted from operator consoles.
const (
	MethodConnect = "connect"

	// Chat
	MethodChatSend    = "chat.send"
	MethodChatView    = "chat.view"
	MethodChatTyping  = "chat.typing"
	MethodChatHistory = "chat.history"

	// Routing
	MethodAdvisorRequest = "advisor.request"
	MethodRoomTransfer   = "room.transfer"
	MethodRoomBotToggle  = "room.bot.toggle"

	// Attentions
	MethodAttentionClose  = "attention.close"
	MethodAttentionExport = "attention.export"
)
