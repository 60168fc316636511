package otaboot

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	dbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/foobaz/go-zopfli/zopfli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Encoder wraps the format-specific compressor selected for re-emitting a
// ramdisk or kernel blob in the same compression family it arrived in.
type Encoder struct {
	Fmt    format_t
	Outfd  *os.File
	writer io.WriteCloser
}

func NewEncoder(t format_t, file *os.File) *Encoder {
	return &Encoder{
		Fmt:   t,
		Outfd: file,
	}
}

// countingWriter tracks the number of bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Write compresses data in Fmt's format and streams it to writer. It
// returns the number of compressed bytes written.
func (e *Encoder) Write(data []byte, w io.Writer) (int64, error) {
	writer := &countingWriter{w: w}
	switch e.Fmt {
	case GZIP:
		w := gzip.NewWriter(writer)
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, err
		}
	case ZOPFLI:
		out := zopfli.GzipCompress(zopfli.DefaultOptions(), data)
		if _, err := writer.Write(out); err != nil {
			return 0, err
		}
	case XZ:
		w, err := xz.NewWriter(writer)
		if err != nil {
			return 0, err
		}
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, err
		}
	case LZMA:
		w, err := lzma.NewWriter(writer)
		if err != nil {
			return 0, err
		}
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, err
		}
	case BZIP2:
		w, err := dbzip2.NewWriter(writer, &dbzip2.WriterConfig{Level: 9})
		if err != nil {
			return 0, err
		}
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, err
		}
	case LZ4, LZ4_LEGACY, LZ4_LG:
		w := lz4.NewWriter(writer)
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, err
		}
	case ZSTD:
		w, err := zstd.NewWriter(writer)
		if err != nil {
			return 0, err
		}
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unsupported compression format for encode: %s", Fmt2Name(e.Fmt))
	}

	return writer.n, nil
}

type Decoder struct {
	reader io.Reader
	closer io.Closer
}

func NewDecoder(t format_t, reader io.Reader) (*Decoder, error) {
	decoder := new(Decoder)
	var r io.Reader = nil
	var err error = nil

	switch t {
	case XZ:
		r, err = xz.NewReader(reader)
	case LZMA:
		r, err = lzma.NewReader(reader)
	case BZIP2:
		r = bzip2.NewReader(reader)
	case LZ4:
		r = lz4.NewReader(reader)
	case LZ4_LEGACY, LZ4_LG:
		r = lz4.NewReader(reader)
	case ZSTD:
		zr, zerr := zstd.NewReader(reader)
		if zerr == nil {
			r = zr
			decoder.closer = zstdCloser{zr}
		}
		err = zerr
	case ZOPFLI, GZIP:
		r, err = gzip.NewReader(reader)
		if err == nil {
			decoder.closer = r.(io.Closer)
		}
	default:
		err = fmt.Errorf("unsupported compression format for decode: %s", Fmt2Name(t))
	}
	if err != nil {
		return nil, err
	}
	decoder.reader = r
	return decoder, nil
}

// zstdCloser adapts *zstd.Decoder's Close (no error return) to io.Closer.
type zstdCloser struct {
	d *zstd.Decoder
}

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}

func (d *Decoder) Decode() ([]byte, error) {
	if d.reader == nil {
		return nil, errors.New("decoder not initialized")
	}
	return io.ReadAll(d.reader)
}

func (d *Decoder) Read(data []byte) (int, error) {
	return d.reader.Read(data)
}

func (d *Decoder) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

func Decompress(infile, outfile string) {
	in_std := infile == "-"
	rm_in := false

	in_fd := func() *os.File {
		if in_std {
			return os.Stdin
		}
		file, err := os.Open(infile)
		if err != nil {
			log.Fatalln(err)
		}
		return file
	}()

	buf := make([]byte, 4096)
	_, err := in_fd.Read(buf)
	if err != nil {
		log.Fatalln(err)
	}
	in_fd.Seek(0, io.SeekStart)

	t := CheckFmt(buf)
	if !COMPRESSED(t) {
		log.Fatalln("Input file is not a supported compressed type!")
	}

	if outfile == "" {
		outfile = infile
		if !in_std {
			ext := filepath.Ext(infile)
			if ext != "" {
				if ext != Fmt2Ext(t) {
					log.Fatalln("Input file is not a supported type!")
				}

				outfile = strings.TrimSuffix(infile, ext)
				rm_in = true
				fmt.Fprintf(os.Stderr, "Decompressing to [%s]\n", outfile)
			}
		}
	}

	out_fd := func() *os.File {
		if outfile == "-" {
			return os.Stdout
		}
		file, err := os.Create(outfile)
		if err != nil {
			log.Fatalln(err)
		}
		return file
	}()

	decoder, err := NewDecoder(t, in_fd)
	if err != nil {
		log.Fatalln(err)
	}
	defer decoder.Close()

	for {
		_len, err := decoder.Read(buf)
		if _len > 0 {
			_, writeErr := out_fd.Write(buf[:_len])
			if writeErr != nil {
				log.Fatalln("Write error:", writeErr)
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			log.Fatalln("Read error:", err)
		}
	}

	if in_fd != os.Stdin {
		in_fd.Close()
	}
	if out_fd != os.Stdout {
		out_fd.Close()
	}

	if rm_in {
		os.Remove(infile)
	}
}

func DecompressToFd(data []byte, fd *os.File) bool {
	t := CheckFmt(data)

	if !COMPRESSED(t) {
		log.Println("Input file is not a supported compression format!")
		return false
	}

	decoder, err := NewDecoder(t, bytes.NewReader(data))
	if err != nil {
		log.Fatalln(err)
	}
	d, err := decoder.Decode()
	if err != nil {
		log.Fatalln(err)
	}

	_, err = fd.Write(d)
	if err != nil {
		log.Fatalln(err)
	}
	return true
}

// CompressBytes compresses data in format t and returns the result,
// used by the Ramdisk Editor to re-pack a cpio archive in its original
// compression family.
func CompressBytes(t format_t, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := NewEncoder(t, nil)
	if _, err := enc.Write(data, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressBytes decompresses data previously identified as format t.
func DecompressBytes(t format_t, data []byte) ([]byte, error) {
	dec, err := NewDecoder(t, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.Decode()
}

func Xz(data []byte, compressed *[]byte) bool {
	bufferc := new(bytes.Buffer)
	xzwriter, err := xz.NewWriter(bufferc)
	if err != nil {
		log.Println("Error:", err)
		return false
	}
	defer xzwriter.Close()
	_, err = xzwriter.Write(data)
	if err != nil {
		log.Println("Error:", err)
		return false
	}
	*compressed = bufferc.Bytes()
	return true
}

func Unxz(data []byte, decompressed *[]byte) bool {
	t := CheckFmt(data)
	if t != XZ {
		log.Println("Input file is not in xz format!")
		return false
	}
	buffer := bytes.NewBuffer(data)
	xzreader, err := xz.NewReader(buffer)
	if err != nil {
		log.Println("Error:", err)
		return false
	}

	d, err := io.ReadAll(xzreader)
	if err != nil {
		log.Println("Error:", err)
		return false
	}
	*decompressed = d
	return true
}
