//go:build !unix

package backup

import "os"

func setInode(entry *SourceEntry, info os.FileInfo) {}
