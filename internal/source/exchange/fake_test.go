package exchange

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// node is a generic XML element used to read requests.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

func (n *node) find(local string) *node {
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == local {
			return c
		}
		if found := c.find(local); found != nil {
			return found
		}
	}
	return nil
}

func (n *node) findAll(local string) []*node {
	var out []*node
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == local {
			out = append(out, c)
		}
		out = append(out, c.findAll(local)...)
	}
	return out
}

func (n *node) attr(local string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

type fakeAttachment struct {
	id          string
	name        string
	contentType string
	content     []byte
}

type fakeItem struct {
	id          string
	changeKey   string
	folder      string
	messageID   string
	subject     string
	body        string
	bodyType    string
	received    time.Time
	read        bool
	from        string
	to          []string
	cc          []string
	bcc         []string
	attachments []fakeAttachment
}

// fakeEWS is an in-memory Exchange mailbox speaking just enough EWS.
type fakeEWS struct {
	t        *testing.T
	server   *httptest.Server
	username string
	password string

	mu        sync.Mutex
	items     map[string]*fakeItem
	nextID    int
	requests  map[string]int
	busy      int
	unavail   int
	delay     time.Duration
	log       []string
	delivered []*fakeItem
}

var fakeFolders = []struct {
	id            string
	distinguished string
	class         string
}{
	{"root", "msgfolderroot", "IPF.Note"},
	{"inbox", "inbox", "IPF.Note"},
	{"sent", "sentitems", "IPF.Note"},
	{"deleted", "deleteditems", "IPF.Note"},
	{"junk", "junkemail", "IPF.Note"},
	{"drafts", "drafts", "IPF.Note"},
	{"archive", "", "IPF.Note.Archive"},
	{"calendar", "calendar", "IPF.Appointment"},
}

func newFakeEWS(t *testing.T) *fakeEWS {
	t.Helper()
	f := &fakeEWS{
		t:        t,
		username: "me@example.org",
		password: "secret",
		items:    make(map[string]*fakeItem),
		requests: make(map[string]int),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeEWS) config() Config {
	return Config{
		Address:  "me@example.org",
		Password: f.password,
		URL:      f.server.URL + "/EWS/Exchange.asmx",
	}
}

func (f *fakeEWS) add(item *fakeItem) *fakeItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if item.id == "" {
		item.id = "item-" + strconv.Itoa(f.nextID)
	}
	item.changeKey = "ck1"
	if item.bodyType == "" {
		item.bodyType = "Text"
	}
	f.items[item.id] = item
	return item
}

func (f *fakeEWS) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[op]
}

// saw reports whether any request so far contained substr.
func (f *fakeEWS) saw(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.log {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func (f *fakeEWS) handle(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != f.username || pass != f.password {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	time.Sleep(delay)

	raw, _ := io.ReadAll(r.Body)
	var env node
	if err := xml.Unmarshal(raw, &env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body := env.find("Body")
	if body == nil || len(body.Children) == 0 {
		http.Error(w, "no body", http.StatusBadRequest)
		return
	}
	req := &body.Children[0]
	op := req.XMLName.Local

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[op]++
	f.log = append(f.log, string(raw))

	if f.unavail > 0 {
		f.unavail--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if f.busy > 0 {
		f.busy--
		f.respond(w, op, errorMessage(op, "ErrorServerBusy", "The server cannot service this request right now."))
		return
	}

	var msgs string
	switch op {
	case "GetFolder":
		msgs = f.getFolder(req)
	case "FindFolder":
		msgs = f.findFolder()
	case "FindItem":
		msgs = f.findItem(req)
	case "GetItem":
		msgs = f.getItem(req)
	case "GetAttachment":
		msgs = f.getAttachment(req)
	case "UpdateItem":
		msgs = f.updateItem(req)
	case "DeleteItem":
		msgs = f.deleteItem(req)
	case "CreateItem":
		msgs = f.createItem(req)
	case "CreateAttachment":
		msgs = f.createAttachment(req)
	case "SendItem":
		msgs = f.sendItem(req)
	default:
		http.Error(w, "unsupported "+op, http.StatusBadRequest)
		return
	}
	f.respond(w, op, msgs)
}

func (f *fakeEWS) respond(w http.ResponseWriter, op, msgs string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>`+
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>`+
		`<m:%sResponse xmlns:m="%s" xmlns:t="%s"><m:ResponseMessages>%s</m:ResponseMessages></m:%sResponse>`+
		`</s:Body></s:Envelope>`, op, nsMessages, nsTypes, msgs, op)
}

func esc(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func success(op, inner string) string {
	return fmt.Sprintf(`<m:%sResponseMessage ResponseClass="Success"><m:ResponseCode>NoError</m:ResponseCode>%s</m:%sResponseMessage>`,
		op, inner, op)
}

func errorMessage(op, code, text string) string {
	return fmt.Sprintf(`<m:%sResponseMessage ResponseClass="Error"><m:MessageText>%s</m:MessageText><m:ResponseCode>%s</m:ResponseCode></m:%sResponseMessage>`,
		op, esc(text), code, op)
}

func folderXMLString(id, class string) string {
	return fmt.Sprintf(`<t:Folder><t:FolderId Id="%s" ChangeKey="f"/><t:DisplayName>%s</t:DisplayName><t:FolderClass>%s</t:FolderClass></t:Folder>`,
		id, id, class)
}

func (f *fakeEWS) getFolder(req *node) string {
	var out strings.Builder
	for _, d := range req.findAll("DistinguishedFolderId") {
		name := d.attr("Id")
		found := false
		for _, ff := range fakeFolders {
			if ff.distinguished == name {
				out.WriteString(success("GetFolder", "<m:Folders>"+folderXMLString(ff.id, ff.class)+"</m:Folders>"))
				found = true
			}
		}
		if !found {
			out.WriteString(errorMessage("GetFolder", "ErrorFolderNotFound", "not found"))
		}
	}
	return out.String()
}

func (f *fakeEWS) findFolder() string {
	var folders strings.Builder
	n := 0
	for _, ff := range fakeFolders {
		if ff.id == "root" {
			continue
		}
		folders.WriteString(folderXMLString(ff.id, ff.class))
		n++
	}
	return success("FindFolder", fmt.Sprintf(
		`<m:RootFolder TotalItemsInView="%d" IncludesLastItemInRange="true"><t:Folders>%s</t:Folders></m:RootFolder>`,
		n, folders.String()))
}

func (f *fakeEWS) sortedItems() []*fakeItem {
	out := make([]*fakeItem, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (f *fakeEWS) findItem(req *node) string {
	folder := req.find("FolderId").attr("Id")
	view := req.find("IndexedPageItemView")
	offset, _ := strconv.Atoi(view.attr("Offset"))
	maxEntries, _ := strconv.Atoi(view.attr("MaxEntriesReturned"))

	var since time.Time
	var wantID string
	if ge := req.find("IsGreaterThanOrEqualTo"); ge != nil {
		since, _ = time.Parse(time.RFC3339, ge.find("Constant").attr("Value"))
	}
	if eq := req.find("IsEqualTo"); eq != nil {
		wantID = eq.find("Constant").attr("Value")
	}

	var matched []*fakeItem
	for _, it := range f.sortedItems() {
		if it.folder != folder {
			continue
		}
		if !since.IsZero() && it.received.Before(since) {
			continue
		}
		if wantID != "" && it.messageID != wantID {
			continue
		}
		matched = append(matched, it)
	}

	end := min(offset+maxEntries, len(matched))
	page := matched[min(offset, len(matched)):end]
	var items strings.Builder
	for _, it := range page {
		items.WriteString(f.itemXML(it, false))
	}
	return success("FindItem", fmt.Sprintf(
		`<m:RootFolder IndexedPagingOffset="%d" TotalItemsInView="%d" IncludesLastItemInRange="%t"><t:Items>%s</t:Items></m:RootFolder>`,
		end, len(matched), end >= len(matched), items.String()))
}

func mailboxList(tag string, addrs []string) string {
	if len(addrs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<t:" + tag + ">")
	for _, a := range addrs {
		b.WriteString("<t:Mailbox><t:Name>" + esc(a) + "</t:Name><t:EmailAddress>" + esc(a) + "</t:EmailAddress></t:Mailbox>")
	}
	b.WriteString("</t:" + tag + ">")
	return b.String()
}

func (f *fakeEWS) itemXML(it *fakeItem, full bool) string {
	var b strings.Builder
	b.WriteString(`<t:Message>`)
	fmt.Fprintf(&b, `<t:ItemId Id="%s" ChangeKey="%s"/>`, it.id, it.changeKey)
	b.WriteString("<t:Subject>" + esc(it.subject) + "</t:Subject>")
	b.WriteString("<t:DateTimeReceived>" + it.received.UTC().Format(time.RFC3339) + "</t:DateTimeReceived>")
	if it.messageID != "" {
		b.WriteString("<t:InternetMessageId>" + esc(it.messageID) + "</t:InternetMessageId>")
	}
	b.WriteString(mailboxList("From", []string{it.from}))
	if full {
		fmt.Fprintf(&b, `<t:Body BodyType="%s">%s</t:Body>`, it.bodyType, esc(it.body))
		if len(it.attachments) > 0 {
			b.WriteString("<t:Attachments>")
			for _, a := range it.attachments {
				fmt.Fprintf(&b, `<t:FileAttachment><t:AttachmentId Id="%s"/><t:Name>%s</t:Name><t:ContentType>%s</t:ContentType><t:Size>%d</t:Size></t:FileAttachment>`,
					a.id, esc(a.name), a.contentType, len(a.content))
			}
			b.WriteString("</t:Attachments>")
		}
		b.WriteString(mailboxList("Sender", []string{it.from}))
		b.WriteString(mailboxList("ToRecipients", it.to))
		b.WriteString(mailboxList("CcRecipients", it.cc))
		b.WriteString(mailboxList("BccRecipients", it.bcc))
		fmt.Fprintf(&b, "<t:IsRead>%t</t:IsRead>", it.read)
	}
	b.WriteString(`</t:Message>`)
	return b.String()
}

func (f *fakeEWS) getItem(req *node) string {
	var out strings.Builder
	for _, id := range req.findAll("ItemId") {
		it, ok := f.items[id.attr("Id")]
		if !ok {
			out.WriteString(errorMessage("GetItem", "ErrorItemNotFound", "gone"))
			continue
		}
		out.WriteString(success("GetItem", "<m:Items>"+f.itemXML(it, true)+"</m:Items>"))
	}
	return out.String()
}

func (f *fakeEWS) getAttachment(req *node) string {
	want := req.find("AttachmentId").attr("Id")
	for _, it := range f.items {
		for _, a := range it.attachments {
			if a.id == want {
				return success("GetAttachment", fmt.Sprintf(
					`<m:Attachments><t:FileAttachment><t:AttachmentId Id="%s"/><t:Name>%s</t:Name><t:ContentType>%s</t:ContentType><t:Content>%s</t:Content></t:FileAttachment></m:Attachments>`,
					a.id, esc(a.name), a.contentType, base64.StdEncoding.EncodeToString(a.content)))
			}
		}
	}
	return errorMessage("GetAttachment", "ErrorItemNotFound", "no attachment")
}

func (f *fakeEWS) updateItem(req *node) string {
	var out strings.Builder
	for _, change := range req.findAll("ItemChange") {
		it, ok := f.items[change.find("ItemId").attr("Id")]
		if !ok {
			out.WriteString(errorMessage("UpdateItem", "ErrorItemNotFound", "gone"))
			continue
		}
		it.read = strings.TrimSpace(change.find("IsRead").Content) == "true"
		out.WriteString(success("UpdateItem", ""))
	}
	return out.String()
}

func (f *fakeEWS) deleteItem(req *node) string {
	hard := req.attr("DeleteType") == "HardDelete"
	var out strings.Builder
	for _, id := range req.findAll("ItemId") {
		it, ok := f.items[id.attr("Id")]
		if !ok {
			out.WriteString(errorMessage("DeleteItem", "ErrorItemNotFound", "gone"))
			continue
		}
		if hard {
			delete(f.items, it.id)
		} else {
			it.folder = "deleted"
		}
		out.WriteString(success("DeleteItem", ""))
	}
	return out.String()
}

func texts(nodes []*node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, strings.TrimSpace(n.Content))
	}
	return out
}

func recipientsOf(msg *node, tag string) []string {
	group := msg.find(tag)
	if group == nil {
		return nil
	}
	return texts(group.findAll("EmailAddress"))
}

func (f *fakeEWS) createItem(req *node) string {
	msg := req.find("Message")
	for _, addr := range recipientsOf(msg, "ToRecipients") {
		if !strings.Contains(addr, "@") {
			return errorMessage("CreateItem", "ErrorInvalidRecipients", "bad recipient "+addr)
		}
	}

	f.nextID++
	it := &fakeItem{
		id:        "item-" + strconv.Itoa(f.nextID),
		changeKey: "ck1",
		messageID: fmt.Sprintf("<sent-%d@example.org>", f.nextID),
		subject:   strings.TrimSpace(msg.find("Subject").Content),
		body:      msg.find("Body").Content,
		bodyType:  msg.find("Body").attr("BodyType"),
		received:  time.Now().UTC(),
		read:      true,
		from:      f.username,
		to:        recipientsOf(msg, "ToRecipients"),
		cc:        recipientsOf(msg, "CcRecipients"),
		bcc:       recipientsOf(msg, "BccRecipients"),
	}
	if req.attr("MessageDisposition") == "SendAndSaveCopy" {
		it.folder = "sent"
		f.delivered = append(f.delivered, it)
	} else {
		it.folder = "drafts"
	}
	f.items[it.id] = it
	return success("CreateItem", fmt.Sprintf(`<m:Items><t:Message><t:ItemId Id="%s" ChangeKey="%s"/></t:Message></m:Items>`,
		it.id, it.changeKey))
}

func (f *fakeEWS) createAttachment(req *node) string {
	parent := req.find("ParentItemId")
	it, ok := f.items[parent.attr("Id")]
	if !ok {
		return errorMessage("CreateAttachment", "ErrorItemNotFound", "gone")
	}
	var atts strings.Builder
	for _, fa := range req.findAll("FileAttachment") {
		content, _ := base64.StdEncoding.DecodeString(strings.TrimSpace(fa.find("Content").Content))
		f.nextID++
		a := fakeAttachment{
			id:          "att-" + strconv.Itoa(f.nextID),
			name:        strings.TrimSpace(fa.find("Name").Content),
			contentType: strings.TrimSpace(fa.find("ContentType").Content),
			content:     content,
		}
		it.attachments = append(it.attachments, a)
		it.changeKey = "ck" + strconv.Itoa(len(it.attachments)+1)
		fmt.Fprintf(&atts, `<t:FileAttachment><t:AttachmentId Id="%s" RootItemId="%s" RootItemChangeKey="%s"/></t:FileAttachment>`,
			a.id, it.id, it.changeKey)
	}
	return success("CreateAttachment", "<m:Attachments>"+atts.String()+"</m:Attachments>")
}

func (f *fakeEWS) sendItem(req *node) string {
	id := req.find("ItemId")
	it, ok := f.items[id.attr("Id")]
	if !ok {
		return errorMessage("SendItem", "ErrorItemNotFound", "gone")
	}
	if id.attr("ChangeKey") != it.changeKey {
		return errorMessage("SendItem", "ErrorIrresolvableConflict", "stale change key")
	}
	it.folder = "sent"
	it.received = time.Now().UTC()
	f.delivered = append(f.delivered, it)
	return success("SendItem", "")
}
