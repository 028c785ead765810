package exchange

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

const (
	findPageSize = 100
	getBatchSize = 50
)

// Distinguished folder names used by the adapter.
const (
	folderRoot    = "msgfolderroot"
	folderTrash   = "deleteditems"
	folderJunk    = "junkemail"
	folderDrafts  = "drafts"
	folderSent    = "sentitems"
	mailClassNote = "IPF.Note"
)

// getFolders returns the distinguished folders by name. Names the
// mailbox does not have are left out.
func (c *Client) getFolders(ctx context.Context, names ...string) (map[string]folderXML, error) {
	ids := make([]distinguishedFolderID, 0, len(names))
	for _, n := range names {
		ids = append(ids, distinguishedFolderID{ID: n})
	}
	msgs, err := c.call(ctx, &getFolderRequest{
		Shape:     folderShape{BaseShape: "IdOnly"},
		FolderIDs: parentFolders{Distinguished: ids},
	})
	if err != nil {
		return nil, err
	}
	if err := messageErrors(msgs, "ErrorFolderNotFound"); err != nil {
		return nil, err
	}

	out := make(map[string]folderXML, len(names))
	for i, m := range msgs {
		if i < len(names) && len(m.Folders) > 0 {
			out[names[i]] = m.Folders[0]
		}
	}
	return out, nil
}

// findMailFolders walks the folder tree below msgfolderroot and returns
// the folders holding mail.
func (c *Client) findMailFolders(ctx context.Context) ([]folderXML, error) {
	var out []folderXML
	for offset := 0; ; {
		msgs, err := c.call(ctx, &findFolderRequest{
			Traversal: "Deep",
			Shape: folderShape{
				BaseShape: "IdOnly",
				Additional: []fieldURI{
					{FieldURI: "folder:DisplayName"},
					{FieldURI: "folder:FolderClass"},
				},
			},
			View:    pageView{MaxEntries: findPageSize, Offset: offset, BasePoint: "Beginning"},
			Parents: parentFolders{Distinguished: []distinguishedFolderID{{ID: folderRoot}}},
		})
		if err != nil {
			return nil, err
		}
		if err := messageErrors(msgs); err != nil {
			return nil, err
		}
		if len(msgs) == 0 || msgs[0].RootFolder == nil {
			return out, nil
		}

		root := msgs[0].RootFolder
		for _, f := range root.Folders {
			if f.FolderClass == mailClassNote || strings.HasPrefix(f.FolderClass, mailClassNote+".") {
				out = append(out, f)
			}
		}
		if root.IncludesLastItemInRange || len(root.Folders) == 0 {
			return out, nil
		}
		offset += len(root.Folders)
	}
}

// findItems lists the items of one folder with the identifying
// properties only.
func (c *Client) findItems(ctx context.Context, folder folderID, r *restriction) ([]messageXML, error) {
	var out []messageXML
	for offset := 0; ; {
		msgs, err := c.call(ctx, &findItemRequest{
			Traversal: "Shallow",
			Shape: itemShape{
				BaseShape: "IdOnly",
				Additional: []fieldURI{
					{FieldURI: "item:DateTimeReceived"},
					{FieldURI: "item:Subject"},
					{FieldURI: "message:InternetMessageId"},
					{FieldURI: "message:From"},
				},
			},
			View:        pageView{MaxEntries: findPageSize, Offset: offset, BasePoint: "Beginning"},
			Restriction: r,
			Parents:     parentFolders{Folders: []folderID{{ID: folder.ID}}},
		})
		if err != nil {
			return nil, err
		}
		if err := messageErrors(msgs); err != nil {
			return nil, err
		}
		if len(msgs) == 0 || msgs[0].RootFolder == nil {
			return out, nil
		}

		root := msgs[0].RootFolder
		out = append(out, root.Items...)
		if root.IncludesLastItemInRange || len(root.Items) == 0 {
			return out, nil
		}
		offset += len(root.Items)
	}
}

// getItems loads full items in batches. Items deleted in the meantime
// are skipped.
func (c *Client) getItems(ctx context.Context, ids []itemID) ([]messageXML, error) {
	var out []messageXML
	for start := 0; start < len(ids); start += getBatchSize {
		end := min(start+getBatchSize, len(ids))
		msgs, err := c.call(ctx, &getItemRequest{
			Shape: itemShape{
				BaseShape: "AllProperties",
				BodyType:  "Best",
				Additional: []fieldURI{
					{FieldURI: "message:InternetMessageId"},
					{FieldURI: "message:IsRead"},
					{FieldURI: "message:BccRecipients"},
					{FieldURI: "item:Attachments"},
				},
			},
			ItemIDs: ids[start:end],
		})
		if err != nil {
			return nil, err
		}
		if err := messageErrors(msgs, "ErrorItemNotFound"); err != nil {
			return nil, err
		}
		for _, m := range msgs {
			out = append(out, m.Items...)
		}
	}
	return out, nil
}

// getAttachment downloads one file attachment.
func (c *Client) getAttachment(ctx context.Context, id string) (attachmentXML, []byte, error) {
	msgs, err := c.call(ctx, &getAttachmentRequest{
		AttachmentIDs: []attachmentID{{ID: id}},
	})
	if err != nil {
		return attachmentXML{}, nil, err
	}
	if err := messageErrors(msgs); err != nil {
		return attachmentXML{}, nil, err
	}
	for _, m := range msgs {
		for _, a := range m.Attachments {
			data, err := base64.StdEncoding.DecodeString(a.Content)
			if err != nil {
				return attachmentXML{}, nil, err
			}
			return a, data, nil
		}
	}
	return attachmentXML{}, nil, errors.New("attachment missing from response")
}

func (c *Client) setRead(ctx context.Context, ids []itemID, read bool) error {
	changes := make([]itemChange, 0, len(ids))
	for _, id := range ids {
		change := itemChange{ItemID: id}
		change.Updates.Field = fieldURI{FieldURI: "message:IsRead"}
		change.Updates.Message.IsRead = read
		changes = append(changes, change)
	}
	msgs, err := c.call(ctx, &updateItemRequest{
		ConflictResolution: "AlwaysOverwrite",
		MessageDisposition: "SaveOnly",
		Changes:            changes,
	})
	if err != nil {
		return err
	}
	return messageErrors(msgs)
}

func (c *Client) deleteItems(ctx context.Context, ids []itemID, hard bool) error {
	deleteType := "MoveToDeletedItems"
	if hard {
		deleteType = "HardDelete"
	}
	msgs, err := c.call(ctx, &deleteItemRequest{DeleteType: deleteType, ItemIDs: ids})
	if err != nil {
		return err
	}
	return messageErrors(msgs, "ErrorItemNotFound")
}

// createMessage creates a message, sending it right away when send is
// set. It returns the id of the saved draft otherwise.
func (c *Client) createMessage(ctx context.Context, m messageOut, send bool) (itemID, error) {
	req := &createItemRequest{MessageDisposition: "SaveOnly", Message: m}
	if send {
		req.MessageDisposition = "SendAndSaveCopy"
		req.SavedItemFolder = &distinguishedFolderID{ID: folderSent}
	}
	msgs, err := c.call(ctx, req)
	if err != nil {
		return itemID{}, err
	}
	if err := messageErrors(msgs); err != nil {
		return itemID{}, err
	}
	for _, r := range msgs {
		for _, it := range r.Items {
			return it.ItemID, nil
		}
	}
	return itemID{}, nil
}

// createAttachments adds files to a saved item and returns the item id
// with its new change key.
func (c *Client) createAttachments(
	ctx context.Context, parent itemID, files []fileAttachmentOut,
) (itemID, error) {
	msgs, err := c.call(ctx, &createAttachmentRequest{Parent: parent, Attachments: files})
	if err != nil {
		return itemID{}, err
	}
	if err := messageErrors(msgs); err != nil {
		return itemID{}, err
	}
	updated := parent
	for _, m := range msgs {
		for _, a := range m.Attachments {
			if a.AttachmentID.RootItemChangeKey != "" {
				updated.ChangeKey = a.AttachmentID.RootItemChangeKey
			}
		}
	}
	return updated, nil
}

func (c *Client) sendItem(ctx context.Context, id itemID) error {
	msgs, err := c.call(ctx, &sendItemRequest{
		SaveItem:        true,
		ItemIDs:         []itemID{id},
		SavedItemFolder: distinguishedFolderID{ID: folderSent},
	})
	if err != nil {
		return err
	}
	return messageErrors(msgs)
}

func sinceRestriction(since time.Time) *restriction {
	return &restriction{GreaterOrEqual: &comparison{
		Field:    fieldURI{FieldURI: "item:DateTimeReceived"},
		Constant: constantValue{Value: since.UTC().Format(time.RFC3339)},
	}}
}

func messageIDRestriction(wireID string) *restriction {
	return &restriction{Equal: &comparison{
		Field:    fieldURI{FieldURI: "message:InternetMessageId"},
		Constant: constantValue{Value: wireID},
	}}
}
