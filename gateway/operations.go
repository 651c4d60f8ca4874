package gateway

// GraphQL documents for the chat schema. Field sets follow the generated
// client documents of the web app so both clients read the same shapes.

const userFields = `
      id
      email
      username
      displayName
      avatar
      isOnline
      lastSeenAt
      createdAt
      updatedAt`

const conversationFields = `
      id
      name
      isGroup
      avatar
      lastMessageAt
      createdAt
      updatedAt`

const memberFields = `
      id
      userId
      conversationId
      role
      joinedAt
      isActive
      lastReadAt`

const messageFields = `
      id
      conversationId
      authorId
      content
      type
      attachmentUrl
      attachmentType
      attachmentSize
      replyToId
      isEdited
      editedAt
      createdAt
      updatedAt
      author {
        id
        email
        displayName
        avatar
      }`

const (
	opGetUser                = "getUser"
	opGetUserByEmail         = "getUserByEmail"
	opCreateUser             = "createUser"
	opUpdateUser             = "updateUser"
	opListConversationMember = "listConversationMembers"
	opGetConversation        = "getConversation"
	opCreateConversation     = "createConversation"
	opCreateMember           = "createConversationMember"
	opUpdateMember           = "updateConversationMember"
	opMessagesByConversation = "messagesByConversation"
	opSendMessage            = "sendMessage"
	opCreateMessage          = "createMessage"
	opUpdateTypingStatus     = "updateTypingStatus"
	opListReactions          = "listMessageReactions"
	opCreateReaction         = "createMessageReaction"
	opDeleteReaction         = "deleteMessageReaction"
	opListReadReceipts       = "listReadReceipts"
	opCreateReadReceipt      = "createReadReceipt"
	opGetUploadURL           = "getUploadUrl"
	opOnCreateMessage        = "onCreateMessage"
	opOnUpdateMessage        = "onUpdateMessage"
	opOnDeleteMessage        = "onDeleteMessage"
	opOnTypingStatus         = "onTypingStatus"
)

const getUserQuery = `query GetUser($id: ID!) {
    getUser(id: $id) {` + userFields + `
    }
  }`

const getUserByEmailQuery = `query GetUserByEmail($email: String!) {
    getUserByEmail(email: $email) {
      items {` + userFields + `
      }
      nextToken
    }
  }`

const createUserMutation = `mutation CreateUser($input: CreateUserInput!) {
    createUser(input: $input) {` + userFields + `
    }
  }`

const updateUserMutation = `mutation UpdateUser($input: UpdateUserInput!) {
    updateUser(input: $input) {` + userFields + `
    }
  }`

const listMembershipsQuery = `query ListConversationMembers($filter: ModelConversationMemberFilterInput, $limit: Int, $nextToken: String) {
    listConversationMembers(filter: $filter, limit: $limit, nextToken: $nextToken) {
      items {` + memberFields + `
        conversation {` + conversationFields + `
        }
      }
      nextToken
    }
  }`

const getConversationQuery = `query GetConversation($id: ID!) {
    getConversation(id: $id) {` + conversationFields + `
    }
  }`

const createConversationMutation = `mutation CreateConversation($input: CreateConversationInput!) {
    createConversation(input: $input) {` + conversationFields + `
    }
  }`

const createMemberMutation = `mutation CreateConversationMember($input: CreateConversationMemberInput!) {
    createConversationMember(input: $input) {` + memberFields + `
    }
  }`

const updateMemberMutation = `mutation UpdateConversationMember($input: UpdateConversationMemberInput!) {
    updateConversationMember(input: $input) {` + memberFields + `
    }
  }`

const messagesByConversationQuery = `query MessagesByConversation($conversationId: ID!, $sortDirection: ModelSortDirection, $limit: Int, $nextToken: String) {
    messagesByConversation(conversationId: $conversationId, sortDirection: $sortDirection, limit: $limit, nextToken: $nextToken) {
      items {` + messageFields + `
      }
      nextToken
    }
  }`

const sendMessageMutation = `mutation SendMessage($conversationId: ID!, $content: String!, $type: String!) {
    sendMessage(conversationId: $conversationId, content: $content, type: $type) {` + messageFields + `
    }
  }`

const createMessageMutation = `mutation CreateMessage($input: CreateMessageInput!) {
    createMessage(input: $input) {` + messageFields + `
    }
  }`

const updateTypingStatusMutation = `mutation UpdateTypingStatus($conversationId: ID!, $isTyping: Boolean!) {
    updateTypingStatus(conversationId: $conversationId, isTyping: $isTyping) {
      conversationId
      userId
      isTyping
      updatedAt
    }
  }`

const listReactionsQuery = `query ListMessageReactions($filter: ModelMessageReactionFilterInput, $limit: Int) {
    listMessageReactions(filter: $filter, limit: $limit) {
      items {
        id
        messageId
        userId
        emoji
        createdAt
      }
      nextToken
    }
  }`

const createReactionMutation = `mutation CreateMessageReaction($input: CreateMessageReactionInput!) {
    createMessageReaction(input: $input) {
      id
      messageId
      userId
      emoji
      createdAt
    }
  }`

const deleteReactionMutation = `mutation DeleteMessageReaction($input: DeleteMessageReactionInput!) {
    deleteMessageReaction(input: $input) {
      id
    }
  }`

const listReadReceiptsQuery = `query ListReadReceipts($filter: ModelReadReceiptFilterInput, $limit: Int) {
    listReadReceipts(filter: $filter, limit: $limit) {
      items {
        id
        messageId
        userId
        readAt
      }
      nextToken
    }
  }`

const createReadReceiptMutation = `mutation CreateReadReceipt($input: CreateReadReceiptInput!) {
    createReadReceipt(input: $input) {
      id
      messageId
      userId
      readAt
    }
  }`

const getUploadURLQuery = `query GetUploadUrl($key: String!, $contentType: String!) {
    getUploadUrl(key: $key, contentType: $contentType) {
      uploadUrl
      downloadUrl
      key
    }
  }`

const onCreateMessageSubscription = `subscription OnCreateMessage($filter: ModelSubscriptionMessageFilterInput) {
    onCreateMessage(filter: $filter) {` + messageFields + `
    }
  }`

const onUpdateMessageSubscription = `subscription OnUpdateMessage($filter: ModelSubscriptionMessageFilterInput) {
    onUpdateMessage(filter: $filter) {` + messageFields + `
    }
  }`

const onDeleteMessageSubscription = `subscription OnDeleteMessage($filter: ModelSubscriptionMessageFilterInput) {
    onDeleteMessage(filter: $filter) {
      id
      conversationId
      authorId
    }
  }`

const onTypingStatusSubscription = `subscription OnTypingStatus($conversationId: ID!) {
    onTypingStatus(conversationId: $conversationId) {
      conversationId
      userId
      isTyping
      updatedAt
    }
  }`

// Request/response shapes.

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message   string `json:"message"`
	ErrorType string `json:"errorType,omitempty"`
}

type connection[T any] struct {
	Items     []T     `json:"items"`
	NextToken *string `json:"nextToken"`
}

func (c connection[T]) next() string {
	if c.NextToken == nil {
		return ""
	}
	return *c.NextToken
}

type idOnly struct {
	ID string `json:"id"`
}

type eqFilter struct {
	Eq any `json:"eq"`
}

func conversationFilter(conversationID string) map[string]any {
	return map[string]any{"conversationId": eqFilter{Eq: conversationID}}
}
