package global

import "hash/crc32"

// HashPartition 按 key 计算分片下标（房间分片、持久化通道共用）
func HashPartition(key string, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	checksum := crc32.ChecksumIEEE([]byte(key))
	return int(checksum % uint32(numPartitions))
}
