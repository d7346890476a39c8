package web

import (
	"bytes"
	"errors"
	"io"
	"os"
)

// 单次轮询最多读取的字节数，剩余部分留到下一轮
const maxPollBytes = 1 << 20

// fileTail 跟踪一个被其他进程追加写入的文件，按完整行返回新增内容。
// 文件被截断时从头读取；文件被替换（inode 变化）时重新打开。
type fileTail struct {
	path    string
	file    *os.File
	info    os.FileInfo
	offset  int64
	partial []byte
}

// newFileTail 从文件当前末尾开始跟踪。文件尚不存在时，它出现后从头读取。
func newFileTail(path string) *fileTail {
	t := &fileTail{path: path}
	if err := t.open(); err == nil {
		t.offset = t.info.Size()
	}
	return t
}

func (t *fileTail) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	t.file, t.info, t.offset, t.partial = f, fi, 0, nil
	return nil
}

func (t *fileTail) Close() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// Poll 返回上次调用之后追加的完整行（不含换行符）。
func (t *fileTail) Poll() ([][]byte, error) {
	if t.file == nil {
		if err := t.open(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
	}

	fi, err := os.Stat(t.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		t.Close()
		return nil, nil
	case err != nil:
		return nil, err
	case !os.SameFile(fi, t.info):
		t.Close()
		if err := t.open(); err != nil {
			return nil, err
		}
		fi = t.info
	case fi.Size() < t.offset:
		t.offset, t.partial = 0, nil
	}

	n := fi.Size() - t.offset
	if n <= 0 {
		return nil, nil
	}
	n = min(n, maxPollBytes)
	chunk := make([]byte, n)
	read, err := t.file.ReadAt(chunk, t.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	t.offset += int64(read)

	data := append(t.partial, chunk[:read]...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if i > 0 {
			lines = append(lines, data[:i])
		}
		data = data[i+1:]
	}
	t.partial = append([]byte(nil), data...)
	return lines, nil
}
