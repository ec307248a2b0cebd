package persistence

import (
	"encoding/json"
	"fmt"
)

// snapshotVersion 快照文件格式版本
const snapshotVersion = 1

// snapshotDoc File 與 NATS 後端共用的 JSON 文件。
//
// key 與 value 都以 []byte 存放（JSON 中為 base64），
// 非 UTF-8 的 key 才能原樣保存。
type snapshotDoc struct {
	Version int            `json:"version"`
	Entries []snapshotPair `json:"entries"`
}

type snapshotPair struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

func encodeSnapshot(snapshot map[string][]byte) ([]byte, error) {
	doc := snapshotDoc{
		Version: snapshotVersion,
		Entries: make([]snapshotPair, 0, len(snapshot)),
	}
	for k, v := range snapshot {
		doc.Entries = append(doc.Entries, snapshotPair{Key: []byte(k), Value: v})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (map[string][]byte, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if doc.Version != snapshotVersion {
		return nil, fmt.Errorf("decode snapshot: unsupported version %d", doc.Version)
	}

	snapshot := make(map[string][]byte, len(doc.Entries))
	for _, p := range doc.Entries {
		value := p.Value
		if value == nil {
			value = []byte{}
		}
		snapshot[string(p.Key)] = value
	}
	return snapshot, nil
}
