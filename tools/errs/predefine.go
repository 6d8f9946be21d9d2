package errs

const (
	ServerInternalError = 500
	ArgsError           = 1000

	AuthError        = 1001 // 鉴权失败：关闭连接，不重试
	ProtocolError    = 1002 // 帧格式错误：丢弃该帧，连接保留
	LookupError      = 1003 // 房间 slug 无法解析：广播照常，持久化跳过
	PersistError     = 1004 // 持久化暂时失败：由队列重试
	TransportError   = 1005 // 单个连接写失败：只影响该连接
	RegistryError    = 1006 // 重复注册
	BacklogFullError = 1007 // 持久化通道已满
)

var (
	ErrArgs        = NewCodeError(ArgsError, "invalid argument")
	ErrAuth        = NewCodeError(AuthError, "authentication failed")
	ErrProtocol    = NewCodeError(ProtocolError, "malformed frame")
	ErrLookup      = NewCodeError(LookupError, "room not found")
	ErrPersistence = NewCodeError(PersistError, "persistence failed")
	ErrTransport   = NewCodeError(TransportError, "transport error")
	ErrRegistry    = NewCodeError(RegistryError, "registry error")
	ErrBacklogFull = NewCodeError(BacklogFullError, "persistence backlog full")
)

func init() {
	// 积压满也算持久化失败
	_ = DefaultCodeRelation.Add(PersistError, BacklogFullError)
}
