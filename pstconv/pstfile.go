package pstconv

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	pst "github.com/mooijtech/go-pst/v6/pkg"
	"github.com/mooijtech/go-pst/v6/pkg/properties"
)

// OpenStore opens a PST/OST file with go-pst. All go-pst specifics live in
// this file; the converter only sees the Store interfaces.
func OpenStore(path string) (Store, error) {
	reader, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pst file: %w", err)
	}
	file, err := pst.New(reader)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("open pst file: %w", err)
	}
	return &pstStore{file: file, reader: reader}, nil
}

type pstStore struct {
	file   *pst.File
	reader *os.File
}

func (s *pstStore) RootFolder() (Folder, error) {
	root, err := s.file.GetRootFolder()
	if err != nil {
		return nil, fmt.Errorf("read pst root folder: %w", err)
	}
	return &pstFolder{folder: root}, nil
}

func (s *pstStore) Close() error {
	s.file.Cleanup()
	return s.reader.Close()
}

type pstFolder struct {
	folder pst.Folder
}

func (f *pstFolder) Name() string {
	return f.folder.Name
}

func (f *pstFolder) SubFolders() ([]Folder, error) {
	subs, err := f.folder.GetSubFolders()
	if err != nil {
		return nil, fmt.Errorf("list subfolders: %w", err)
	}
	out := make([]Folder, 0, len(subs))
	for i := range subs {
		out = append(out, &pstFolder{folder: subs[i]})
	}
	return out, nil
}

func (f *pstFolder) Messages() (MessageIterator, error) {
	iterator, err := f.folder.GetMessageIterator()
	if errors.Is(err, pst.ErrMessagesNotFound) {
		return emptyIterator{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return &pstMessageIterator{iterator: iterator}, nil
}

type emptyIterator struct{}

func (emptyIterator) Next() bool       { return false }
func (emptyIterator) Message() Message { return nil }
func (emptyIterator) Err() error       { return nil }

type pstMessageIterator struct {
	iterator pst.MessageIterator
}

func (i *pstMessageIterator) Next() bool {
	return i.iterator.Next()
}

func (i *pstMessageIterator) Message() Message {
	return &pstMessage{msg: i.iterator.Value()}
}

func (i *pstMessageIterator) Err() error {
	return i.iterator.Err()
}

type pstMessage struct {
	msg *pst.Message
}

// props returns the message's typed properties. The generated getters are
// nil-safe, so a non-mail item simply yields zero values.
func (m *pstMessage) props() *properties.Message {
	p, _ := m.msg.Properties.(*properties.Message)
	return p
}

func (m *pstMessage) Subject() string {
	return string(m.props().GetSubject())
}

func (m *pstMessage) Date() (time.Time, bool) {
	delivery := m.props().GetMessageDeliveryTime()
	if delivery == 0 {
		return time.Time{}, false
	}
	return filetimeToTime(delivery), true
}

func (m *pstMessage) SenderName() string {
	return string(m.props().GetSenderName())
}

func (m *pstMessage) SenderAddress() string {
	return string(m.props().GetSenderEmailAddress())
}

// Recipients returns nil: the PST recipient table is not exposed by the
// reader, so conversion relies on the display-string fallback.
func (m *pstMessage) Recipients() []Recipient {
	return nil
}

func (m *pstMessage) DisplayTo() string {
	return string(m.props().GetDisplayTo())
}

func (m *pstMessage) DisplayCc() string {
	return string(m.props().GetDisplayCc())
}

func (m *pstMessage) BodyText() string {
	return string(m.props().GetBody())
}

func (m *pstMessage) BodyHTML() string {
	return string(m.props().GetBodyHtml())
}

func (m *pstMessage) Attachments() ([]AttachmentData, error) {
	iterator, err := m.msg.GetAttachmentIterator()
	if errors.Is(err, pst.ErrAttachmentsNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}

	var out []AttachmentData
	for iterator.Next() {
		attachment := iterator.Value()

		var content bytes.Buffer
		if _, err := attachment.WriteTo(&content); err != nil {
			return nil, fmt.Errorf("extract attachment: %w", err)
		}

		out = append(out, AttachmentData{
			FileName:  pstAttachmentName(attachment),
			MimeTag:   string(attachment.GetAttachMimeTag()),
			ContentID: strings.TrimSpace(string(attachment.GetAttachContentId())),
			Content:   content.Bytes(),
		})
	}
	if err := iterator.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return out, nil
}

func pstAttachmentName(attachment *pst.Attachment) string {
	if name := strings.TrimSpace(string(attachment.GetAttachLongFilename())); name != "" {
		return name
	}
	if name := strings.TrimSpace(string(attachment.GetAttachFilename())); name != "" {
		return name
	}
	return "attachment"
}

// filetimeToTime converts a Windows FILETIME (100ns ticks since 1601-01-01)
// to a time.Time.
func filetimeToTime(filetime int64) time.Time {
	const epochDelta = 116444736000000000 // 1601 -> 1970 in 100ns ticks
	ticks := filetime - epochDelta
	return time.Unix(0, ticks*100).UTC()
}
