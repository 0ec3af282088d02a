package envelope

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-reconcile/ids"
	"github.com/stretchr/testify/require"
)

func b64(id ids.ID) string {
	return base64.StdEncoding.EncodeToString(id[:])
}

var (
	alice  = ids.ID{1}
	bob    = ids.ID{2}
	group  = ids.ID{9}
	thread = uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
)

func TestDecodeGroupMessage(t *testing.T) {
	require := require.New(t)
	raw := fmt.Sprintf(`{"message":{"ssn":4,"sti":"%s","gid2":"%s","body":"hello","exp":{"ro":true,"ex":60},"ost":1700000000000},"rr":{"nonce":"AQI=","key":"AwQ="}}`, thread, b64(group))
	p, err := Decode([]byte(raw))
	require.Nil(err)
	m, ok := p.(*ChatMessage)
	require.True(ok)
	require.Equal(int64(4), m.SenderSequence)
	require.Equal(thread, m.SenderThread)
	require.Equal("hello", m.Body)
	require.NotNil(m.Group)
	require.Equal(group, *m.Group)
	require.Nil(m.OneToOne)
	require.True(m.Expiration.ReadOnce)
	require.Equal(time.Minute, *m.Expiration.Existence)
	require.Nil(m.Expiration.Visibility)
	require.Equal(int64(1700000000000), m.OriginalServerTime.UnixMilli())
	require.Equal([]byte{1, 2}, m.ReturnReceipt.Nonce)
	require.Equal([]byte{3, 4}, m.ReturnReceipt.Key)
}

func TestDecodeOneToOneEditWithLocation(t *testing.T) {
	require := require.New(t)
	raw := fmt.Sprintf(`{"upm":{"o2oi":["%s","%s"],"ref":{"ssn":1,"sti":"%s","si":"%s"},"loc":{"t":2,"ts":1000,"lat":1.5,"long":2.5}}}`, b64(alice), b64(bob), thread, b64(bob))
	p, err := Decode([]byte(raw))
	require.Nil(err)
	e := p.(*Edit)
	require.Nil(e.Body)
	require.True(e.Location.Continuous())
	require.Equal(LocationSharing, e.Location.Kind)
	require.Equal(bob, e.Ref.Sender)
	peer, err := e.Peer(alice)
	require.Nil(err)
	require.Equal(bob, peer)
	_, err = e.Peer(ids.ID{7})
	require.NotNil(err)
}

func TestDecodeEveryKind(t *testing.T) {
	require := require.New(t)
	g := b64(group)
	ref := fmt.Sprintf(`{"ssn":1,"sti":"%s","si":"%s"}`, thread, b64(bob))
	cases := map[string]string{
		"signaling":            fmt.Sprintf(`{"rtc":{"ci":"%s","mt":3,"sm":"x"}}`, thread),
		"shared-configuration": fmt.Sprintf(`{"settings":{"gid2":"%s","version":3,"exp":{"ro":false}}}`, g),
		"wipe-messages":        fmt.Sprintf(`{"delm":{"gid2":"%s","refs":[%s]}}`, g, ref),
		"wipe-discussion":      fmt.Sprintf(`{"deld":{"gid2":"%s"}}`, g),
		"edit":                 fmt.Sprintf(`{"upm":{"gid2":"%s","ref":%s,"body":"new"}}`, g, ref),
		"reaction":             fmt.Sprintf(`{"reacm":{"gid2":"%s","ref":%s,"reac":"+1"}}`, g, ref),
		"settings-query":       fmt.Sprintf(`{"qss":{"gid2":"%s","ksv":2}}`, g),
		"capture-notice":       fmt.Sprintf(`{"scd":{"gid2":"%s"}}`, g),
		"read-receipt":         fmt.Sprintf(`{"lvo":{"gid2":"%s","m":%s}}`, g, ref),
		"discussion-read":      fmt.Sprintf(`{"dr":{"gid2":"%s","tim":5000}}`, g),
		"chat-message":         fmt.Sprintf(`{"message":{"gid2":"%s","ssn":0,"sti":"%s"}}`, g, thread),
	}
	for name, raw := range cases {
		p, err := Decode([]byte(raw))
		require.Nil(err, name)
		require.Equal(name, p.Name())
		_, targeted := DiscussionOf(p)
		require.Equal(name != "signaling", targeted, name)
	}
}

func TestDecodeUnrecognized(t *testing.T) {
	require := require.New(t)
	g := b64(group)
	cases := []string{
		`not json`,
		`[]`,
		`{}`,
		`{"unknown":{}}`,
		fmt.Sprintf(`{"deld":{"gid2":"%s"},"scd":{"gid2":"%s"}}`, g, g),
		`{"rr":{"nonce":"AQI=","key":"AwQ="}}`,
		`{"deld":{}}`,
		fmt.Sprintf(`{"deld":{"gid2":"%s","o2oi":["%s","%s"]}}`, g, b64(alice), b64(bob)),
		fmt.Sprintf(`{"deld":{"o2oi":["%s","%s"]}}`, b64(alice), b64(alice)),
		fmt.Sprintf(`{"message":{"gid2":"%s","ssn":-1,"sti":"%s"}}`, g, thread),
		fmt.Sprintf(`{"message":{"gid2":"%s","ssn":1}}`, g),
		fmt.Sprintf(`{"upm":{"gid2":"%s","ref":{"ssn":1}}}`, g),
		fmt.Sprintf(`{"upm":{"gid2":"%s","ref":{"ssn":1,"sti":"%s","si":"%s"}}}`, g, thread, b64(bob)),
		fmt.Sprintf(`{"dr":{"gid2":"%s"}}`, g),
		`{"deld":{"gid2":"AAA="}}`,
		fmt.Sprintf(`{"message":{"gid2":"%s","ssn":1,"sti":"%s","loc":{"t":9,"lat":1,"long":1}}}`, g, thread),
	}
	for _, raw := range cases {
		p, err := Decode([]byte(raw))
		require.NotNil(err, raw)
		require.IsType(&DecodeError{}, err, raw)
		u, ok := p.(*Unrecognized)
		require.True(ok, raw)
		require.Equal(err, u.Err)
	}
}

type countingVisitor struct {
	chat, unrecognized int
}

func (v *countingVisitor) VisitChatMessage(*ChatMessage) Outcome {
	v.chat++
	return Applied(DeleteAll())
}

func (v *countingVisitor) VisitSignaling(*Signaling) Outcome { return Applied(DeleteAll()) }
func (v *countingVisitor) VisitSharedConfiguration(*SharedConfiguration) Outcome {
	return Applied(DeleteAll())
}
func (v *countingVisitor) VisitWipeMessages(*WipeMessages) Outcome     { return Applied(DeleteAll()) }
func (v *countingVisitor) VisitWipeDiscussion(*WipeDiscussion) Outcome { return Applied(DeleteAll()) }
func (v *countingVisitor) VisitEdit(*Edit) Outcome                     { return Applied(DeleteAll()) }
func (v *countingVisitor) VisitReaction(*Reaction) Outcome             { return Applied(DeleteAll()) }
func (v *countingVisitor) VisitSettingsQuery(*SettingsQuery) Outcome   { return Applied(DeleteAll()) }
func (v *countingVisitor) VisitCaptureNotice(*CaptureNotice) Outcome   { return Applied(DeleteAll()) }
func (v *countingVisitor) VisitReadReceipt(*ReadReceipt) Outcome       { return Applied(DeleteAll()) }
func (v *countingVisitor) VisitDiscussionRead(*DiscussionRead) Outcome { return Applied(DeleteAll()) }
func (v *countingVisitor) VisitUnrecognized(u *Unrecognized) Outcome {
	v.unrecognized++
	return DefinitiveFailure(u.Err)
}

func TestAcceptDispatches(t *testing.T) {
	require := require.New(t)
	v := &countingVisitor{}
	p, _ := Decode([]byte("nope"))
	o := p.Accept(v)
	require.Equal(OutcomeDefinitiveFailure, o.Kind())
	require.NotNil(o.Reason())
	p, err := Decode([]byte(fmt.Sprintf(`{"message":{"gid2":"%s","ssn":0,"sti":"%s"}}`, b64(group), thread)))
	require.Nil(err)
	require.Equal(OutcomeApplied, p.Accept(v).Kind())
	require.Equal(1, v.chat)
	require.Equal(1, v.unrecognized)
}
