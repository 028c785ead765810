package exchange

import (
	"encoding/xml"
	"time"
)

const (
	nsSoap     = "http://schemas.xmlsoap.org/soap/envelope/"
	nsTypes    = "http://schemas.microsoft.com/exchange/services/2006/types"
	nsMessages = "http://schemas.microsoft.com/exchange/services/2006/messages"

	serverVersion = "Exchange2013_SP1"
)

// Requests are marshalled with literal prefixes; responses are matched
// on local names only.

type requestEnvelope struct {
	XMLName    xml.Name      `xml:"soap:Envelope"`
	SoapNS     string        `xml:"xmlns:soap,attr"`
	TypesNS    string        `xml:"xmlns:t,attr"`
	MessagesNS string        `xml:"xmlns:m,attr"`
	Header     requestHeader `xml:"soap:Header"`
	Body       requestBody   `xml:"soap:Body"`
}

type requestHeader struct {
	Version       versionHeader  `xml:"t:RequestServerVersion"`
	Impersonation *impersonation `xml:"t:ExchangeImpersonation,omitempty"`
}

type versionHeader struct {
	Version string `xml:"Version,attr"`
}

type impersonation struct {
	PrimarySmtpAddress string `xml:"t:ConnectingSID>t:PrimarySmtpAddress"`
}

type requestBody struct {
	Request any
}

type distinguishedFolderID struct {
	ID string `xml:"Id,attr"`
}

type folderID struct {
	ID        string `xml:"Id,attr"`
	ChangeKey string `xml:"ChangeKey,attr,omitempty"`
}

type itemID struct {
	ID        string `xml:"Id,attr"`
	ChangeKey string `xml:"ChangeKey,attr,omitempty"`
}

type fieldURI struct {
	FieldURI string `xml:"FieldURI,attr"`
}

type parentFolders struct {
	Distinguished []distinguishedFolderID `xml:"t:DistinguishedFolderId,omitempty"`
	Folders       []folderID              `xml:"t:FolderId,omitempty"`
}

type folderShape struct {
	BaseShape  string     `xml:"t:BaseShape"`
	Additional []fieldURI `xml:"t:AdditionalProperties>t:FieldURI,omitempty"`
}

type itemShape struct {
	BaseShape  string     `xml:"t:BaseShape"`
	BodyType   string     `xml:"t:BodyType,omitempty"`
	Additional []fieldURI `xml:"t:AdditionalProperties>t:FieldURI,omitempty"`
}

type pageView struct {
	MaxEntries int    `xml:"MaxEntriesReturned,attr"`
	Offset     int    `xml:"Offset,attr"`
	BasePoint  string `xml:"BasePoint,attr"`
}

type getFolderRequest struct {
	XMLName   xml.Name      `xml:"m:GetFolder"`
	Shape     folderShape   `xml:"m:FolderShape"`
	FolderIDs parentFolders `xml:"m:FolderIds"`
}

type findFolderRequest struct {
	XMLName   xml.Name      `xml:"m:FindFolder"`
	Traversal string        `xml:"Traversal,attr"`
	Shape     folderShape   `xml:"m:FolderShape"`
	View      pageView      `xml:"m:IndexedPageFolderView"`
	Parents   parentFolders `xml:"m:ParentFolderIds"`
}

type constantValue struct {
	Value string `xml:"Value,attr"`
}

type comparison struct {
	Field    fieldURI      `xml:"t:FieldURI"`
	Constant constantValue `xml:"t:FieldURIOrConstant>t:Constant"`
}

type restriction struct {
	GreaterOrEqual *comparison `xml:"t:IsGreaterThanOrEqualTo,omitempty"`
	Equal          *comparison `xml:"t:IsEqualTo,omitempty"`
}

type findItemRequest struct {
	XMLName     xml.Name      `xml:"m:FindItem"`
	Traversal   string        `xml:"Traversal,attr"`
	Shape       itemShape     `xml:"m:ItemShape"`
	View        pageView      `xml:"m:IndexedPageItemView"`
	Restriction *restriction  `xml:"m:Restriction,omitempty"`
	Parents     parentFolders `xml:"m:ParentFolderIds"`
}

type getItemRequest struct {
	XMLName xml.Name  `xml:"m:GetItem"`
	Shape   itemShape `xml:"m:ItemShape"`
	ItemIDs []itemID  `xml:"m:ItemIds>t:ItemId"`
}

type attachmentID struct {
	ID string `xml:"Id,attr"`
}

type getAttachmentRequest struct {
	XMLName       xml.Name       `xml:"m:GetAttachment"`
	AttachmentIDs []attachmentID `xml:"m:AttachmentIds>t:AttachmentId"`
}

type isReadUpdate struct {
	Field   fieldURI `xml:"t:FieldURI"`
	Message struct {
		IsRead bool `xml:"t:IsRead"`
	} `xml:"t:Message"`
}

type itemChange struct {
	ItemID  itemID       `xml:"t:ItemId"`
	Updates isReadUpdate `xml:"t:Updates>t:SetItemField"`
}

type updateItemRequest struct {
	XMLName            xml.Name     `xml:"m:UpdateItem"`
	ConflictResolution string       `xml:"ConflictResolution,attr"`
	MessageDisposition string       `xml:"MessageDisposition,attr"`
	Changes            []itemChange `xml:"m:ItemChanges>t:ItemChange"`
}

type deleteItemRequest struct {
	XMLName    xml.Name `xml:"m:DeleteItem"`
	DeleteType string   `xml:"DeleteType,attr"`
	ItemIDs    []itemID `xml:"m:ItemIds>t:ItemId"`
}

type mailboxOut struct {
	Name         string `xml:"t:Name,omitempty"`
	EmailAddress string `xml:"t:EmailAddress"`
}

type bodyOut struct {
	BodyType string `xml:"BodyType,attr"`
	Text     string `xml:",chardata"`
}

type messageOut struct {
	Subject       string       `xml:"t:Subject"`
	Body          bodyOut      `xml:"t:Body"`
	ToRecipients  []mailboxOut `xml:"t:ToRecipients>t:Mailbox,omitempty"`
	CcRecipients  []mailboxOut `xml:"t:CcRecipients>t:Mailbox,omitempty"`
	BccRecipients []mailboxOut `xml:"t:BccRecipients>t:Mailbox,omitempty"`
}

type createItemRequest struct {
	XMLName            xml.Name               `xml:"m:CreateItem"`
	MessageDisposition string                 `xml:"MessageDisposition,attr"`
	SavedItemFolder    *distinguishedFolderID `xml:"m:SavedItemFolderId>t:DistinguishedFolderId,omitempty"`
	Message            messageOut             `xml:"m:Items>t:Message"`
}

type fileAttachmentOut struct {
	Name        string `xml:"t:Name"`
	ContentType string `xml:"t:ContentType"`
	Content     string `xml:"t:Content"`
}

type createAttachmentRequest struct {
	XMLName     xml.Name            `xml:"m:CreateAttachment"`
	Parent      itemID              `xml:"m:ParentItemId"`
	Attachments []fileAttachmentOut `xml:"m:Attachments>t:FileAttachment"`
}

type sendItemRequest struct {
	XMLName         xml.Name              `xml:"m:SendItem"`
	SaveItem        bool                  `xml:"SaveItemToFolder,attr"`
	ItemIDs         []itemID              `xml:"m:ItemIds>t:ItemId"`
	SavedItemFolder distinguishedFolderID `xml:"m:SavedItemFolderId>t:DistinguishedFolderId"`
}

// Responses.

type responseEnvelope struct {
	Body struct {
		Fault    *soapFault `xml:"Fault"`
		Response struct {
			Messages struct {
				Items []responseMessage `xml:",any"`
			} `xml:"ResponseMessages"`
		} `xml:",any"`
	} `xml:"Body"`
}

type soapFault struct {
	Code         string `xml:"faultcode"`
	String       string `xml:"faultstring"`
	ResponseCode string `xml:"detail>ResponseCode"`
	Message      string `xml:"detail>Message"`
}

type responseMessage struct {
	XMLName       xml.Name
	ResponseClass string          `xml:"ResponseClass,attr"`
	MessageText   string          `xml:"MessageText"`
	ResponseCode  string          `xml:"ResponseCode"`
	Folders       []folderXML     `xml:"Folders>Folder"`
	RootFolder    *rootFolderXML  `xml:"RootFolder"`
	Items         []messageXML    `xml:"Items>Message"`
	Attachments   []attachmentXML `xml:"Attachments>FileAttachment"`
}

type rootFolderXML struct {
	IncludesLastItemInRange bool         `xml:"IncludesLastItemInRange,attr"`
	TotalItemsInView        int          `xml:"TotalItemsInView,attr"`
	Folders                 []folderXML  `xml:"Folders>Folder"`
	Items                   []messageXML `xml:"Items>Message"`
}

type folderXML struct {
	FolderID    folderID `xml:"FolderId"`
	DisplayName string   `xml:"DisplayName"`
	FolderClass string   `xml:"FolderClass"`
}

type mailboxXML struct {
	Name         string `xml:"Name"`
	EmailAddress string `xml:"EmailAddress"`
}

type bodyXML struct {
	BodyType string `xml:"BodyType,attr"`
	Text     string `xml:",chardata"`
}

type attachmentXML struct {
	AttachmentID struct {
		ID                string `xml:"Id,attr"`
		RootItemID        string `xml:"RootItemId,attr"`
		RootItemChangeKey string `xml:"RootItemChangeKey,attr"`
	} `xml:"AttachmentId"`
	Name        string `xml:"Name"`
	ContentType string `xml:"ContentType"`
	Size        int64  `xml:"Size"`
	Content     string `xml:"Content"`
}

type messageXML struct {
	ItemID            itemID          `xml:"ItemId"`
	Subject           string          `xml:"Subject"`
	Body              bodyXML         `xml:"Body"`
	Attachments       []attachmentXML `xml:"Attachments>FileAttachment"`
	DateTimeReceived  time.Time       `xml:"DateTimeReceived"`
	DateTimeSent      time.Time       `xml:"DateTimeSent"`
	InternetMessageID string          `xml:"InternetMessageId"`
	IsRead            bool            `xml:"IsRead"`
	Sender            *mailboxXML     `xml:"Sender>Mailbox"`
	From              *mailboxXML     `xml:"From>Mailbox"`
	ToRecipients      []mailboxXML    `xml:"ToRecipients>Mailbox"`
	CcRecipients      []mailboxXML    `xml:"CcRecipients>Mailbox"`
	BccRecipients     []mailboxXML    `xml:"BccRecipients>Mailbox"`
}

// Autodiscover (POX).

type autodiscoverRequest struct {
	XMLName xml.Name `xml:"http://schemas.microsoft.com/exchange/autodiscover/outlook/requestschema/2006 Autodiscover"`
	Request struct {
		EMailAddress             string `xml:"EMailAddress"`
		AcceptableResponseSchema string `xml:"AcceptableResponseSchema"`
	} `xml:"Request"`
}

type autodiscoverResponse struct {
	Response struct {
		Error *struct {
			ErrorCode string `xml:"ErrorCode"`
			Message   string `xml:"Message"`
		} `xml:"Error"`
		Account struct {
			Action       string `xml:"Action"`
			RedirectAddr string `xml:"RedirectAddr"`
			Protocols    []struct {
				Type   string `xml:"Type"`
				EwsURL string `xml:"EwsUrl"`
			} `xml:"Protocol"`
		} `xml:"Account"`
	} `xml:"Response"`
}
