package client

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var ErrEmptyPayload = errors.New("client: empty payload")

var decoderPool = sync.Pool{New: func() any {
	dec, _ := zstd.NewReader(nil)
	return dec
}}

func getDecoder() *zstd.Decoder  { return decoderPool.Get().(*zstd.Decoder) }
func putDecoder(d *zstd.Decoder) { decoderPool.Put(d) }

// LoadPayload 读取负载文件并常驻内存；.zst / .gz 后缀按对应格式解压。
func LoadPayload(fs afero.Fs, path string) ([]byte, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "client: read payload %s", path)
	}
	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst":
		dec := getDecoder()
		data, err = dec.DecodeAll(raw, nil)
		putDecoder(dec)
	case ".gz":
		data, err = gunzip(raw)
	default:
		data = raw
	}
	if err != nil {
		return nil, errors.Wrapf(err, "client: decompress payload %s", path)
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	return data, nil
}

func gunzip(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
