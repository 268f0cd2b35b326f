package models

// FileInfo describes one file offered in a file-list response.
type FileInfo struct {
	Name      string `json:"name"`
	Folder    string `json:"folder"`
	SizeBytes int64  `json:"size_bytes"`
}

// FileList is the result of a file-list query against one folder of a peer.
type FileList struct {
	Peer   PeerInfo   `json:"peer"`
	Folder string     `json:"folder"`
	Files  []FileInfo `json:"files"`
}
