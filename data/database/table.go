package database

// Table 关系表模型，GetTableName 返回可直接拼进 SQL 的表名（含引号）
type Table interface {
	GetTableName() string
}
