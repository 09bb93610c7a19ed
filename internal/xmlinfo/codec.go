package xmlinfo

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/wimkit/wim/internal/wimfile"
)

// debugEnv names the environment variable that enables warnings about
// unexpected property content. When unset, unknown properties are
// carried silently.
const debugEnv = "DEBUG_XML_INFO"

type xmlWIM struct {
	XMLName    xml.Name   `xml:"WIM"`
	TotalBytes int64      `xml:"TOTALBYTES,omitempty"`
	Images     []xmlImage `xml:"IMAGE"`
}

type xmlImage struct {
	Index                int          `xml:"INDEX,attr"`
	DirCount             int64        `xml:"DIRCOUNT"`
	FileCount            int64        `xml:"FILECOUNT"`
	TotalBytes           int64        `xml:"TOTALBYTES"`
	HardLinkBytes        int64        `xml:"HARDLINKBYTES"`
	CreationTime         *xmlFiletime `xml:"CREATIONTIME"`
	LastModificationTime *xmlFiletime `xml:"LASTMODIFICATIONTIME"`
	Name                 string       `xml:"NAME,omitempty"`
	Description          string       `xml:"DESCRIPTION,omitempty"`
	Flags                string       `xml:"FLAGS,omitempty"`
	Extra                []rawElement `xml:",any"`
}

// xmlFiletime is a FILETIME split into two hex-formatted halves.
type xmlFiletime struct {
	HighPart string `xml:"HIGHPART"`
	LowPart  string `xml:"LOWPART"`
}

// rawElement preserves an element this package does not model. The
// inner XML is written back verbatim.
type rawElement struct {
	XMLName xml.Name
	Inner   string `xml:",innerxml"`
}

func filetimeToXML(ft uint64) *xmlFiletime {
	return &xmlFiletime{
		HighPart: fmt.Sprintf("0x%08X", uint32(ft>>32)),
		LowPart:  fmt.Sprintf("0x%08X", uint32(ft)),
	}
}

func filetimeFromXML(t *xmlFiletime) (uint64, error) {
	hi, err := parseHex32(t.HighPart)
	if err != nil {
		return 0, err
	}
	lo, err := parseHex32(t.LowPart)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

func parseHex32(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad time part %q", ErrInvalidXML, s)
	}
	return uint32(v), nil
}

// Parse decodes UTF-16LE XML data into a property bag. Empty data is a
// valid empty bag. Unknown image properties are retained; with the
// DEBUG_XML_INFO environment variable set they are also logged.
func Parse(data []byte, logger *slog.Logger) (*Info, error) {
	if len(data) == 0 {
		return New(), nil
	}
	text, err := decodeUTF16LE(data)
	if err != nil {
		return nil, err
	}

	var doc xmlWIM
	if err := xml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXML, err)
	}

	info := &Info{TotalBytes: doc.TotalBytes}
	debug := os.Getenv(debugEnv) != ""
	for i, x := range doc.Images {
		img := &Image{
			Name:          x.Name,
			Description:   x.Description,
			Flags:         x.Flags,
			DirCount:      x.DirCount,
			FileCount:     x.FileCount,
			TotalBytes:    x.TotalBytes,
			HardLinkBytes: x.HardLinkBytes,
			extra:         x.Extra,
		}
		if x.CreationTime != nil {
			ft, err := filetimeFromXML(x.CreationTime)
			if err != nil {
				return nil, err
			}
			img.CreationTime = wimfile.FiletimeToTime(ft)
		}
		if x.LastModificationTime != nil {
			ft, err := filetimeFromXML(x.LastModificationTime)
			if err != nil {
				return nil, err
			}
			img.LastModificationTime = wimfile.FiletimeToTime(ft)
		}
		if debug {
			for _, e := range x.Extra {
				log(logger).Warn("unexpected image property",
					"image", i+1, "element", e.XMLName.Local)
			}
		}
		info.Images = append(info.Images, img)
	}
	return info, nil
}

// Encode serializes the property bag as UTF-16LE XML with a BOM.
func (n *Info) Encode() ([]byte, error) {
	doc := xmlWIM{TotalBytes: n.TotalBytes}
	for i, img := range n.Images {
		x := xmlImage{
			Index:         i + 1,
			DirCount:      img.DirCount,
			FileCount:     img.FileCount,
			TotalBytes:    img.TotalBytes,
			HardLinkBytes: img.HardLinkBytes,
			Name:          img.Name,
			Description:   img.Description,
			Flags:         img.Flags,
			Extra:         img.extra,
		}
		if !img.CreationTime.IsZero() {
			x.CreationTime = filetimeToXML(wimfile.TimeToFiletime(img.CreationTime))
		}
		if !img.LastModificationTime.IsZero() {
			x.LastModificationTime = filetimeToXML(wimfile.TimeToFiletime(img.LastModificationTime))
		}
		doc.Images = append(doc.Images, x)
	}

	text, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("xmlinfo: encode: %w", err)
	}
	return encodeUTF16LE(string(text)), nil
}

// decodeUTF16LE converts UTF-16LE bytes, with or without a BOM, to a
// string.
func decodeUTF16LE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("%w: odd byte count %d", ErrInvalidXML, len(b))
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	if len(units) > 0 && units[0] == 0xfeff {
		units = units[1:]
	}
	return string(utf16.Decode(units)), nil
}

// encodeUTF16LE converts s to UTF-16LE bytes with a leading BOM.
func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2*(len(units)+1))
	binary.LittleEndian.PutUint16(b, 0xfeff)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2*(i+1):], u)
	}
	return b
}

// log returns logger, or a discarding logger when nil.
func log(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger
}
