package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"rag-chat-client/internal/apperr"
	"rag-chat-client/internal/auth"
	"rag-chat-client/internal/model"
	"rag-chat-client/internal/service"
	"rag-chat-client/internal/store"
	"rag-chat-client/internal/stream"
	"rag-chat-client/pkg/backend"

	"github.com/fatih/color"
)

var (
	promptColor    = color.New(color.FgCyan, color.Bold)
	assistantColor = color.New(color.FgGreen)
	errorColor     = color.New(color.FgRed)
	dimColor       = color.New(color.Faint)
)

const helpText = `commands:
  register <email> <password> [first] [last]
  login <email> <password>
  logout
  passwd <current> <new>   change your password
  new                      start a new conversation
  list                     list local conversations
  open <n>                 switch to conversation n from "list"
  delete <n>               delete conversation n
  history <id>             open a backend conversation by id
  reload                   refresh the current conversation from the backend
  mode [buffered|incremental]
  status                   probe the backend
  attach <path> [text]     send a file reference with optional text
  quit
anything else is sent as a message`

type repl struct {
	in      io.Reader
	out     io.Writer
	manager *auth.Manager
	api     *backend.Client
	store   *store.Store
	chat    service.ChatService
	status  service.StatusService

	mu       sync.Mutex
	streamed map[int64]bool // 本轮已实时输出过分段的回复
}

func (r *repl) run(ctx context.Context) {
	r.streamed = make(map[int64]bool)
	unsubscribe := r.store.Subscribe(r.onChange)
	defer unsubscribe()

	if sess, ok := r.manager.Session(); ok {
		fmt.Fprintf(r.out, "logged in as %s\n", sess.User.DisplayName())
	}
	fmt.Fprintln(r.out, `type "help" for commands`)

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for {
		promptColor.Fprint(r.out, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		if err := r.exec(ctx, line); err != nil {
			errorColor.Fprintln(r.out, "error:", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// onChange 在流式接收时实时输出当前会话的分段。
func (r *repl) onChange(c store.Change) {
	if c.Kind != store.FragmentAppended || c.LocalID != r.store.ActiveID() {
		return
	}
	r.mu.Lock()
	first := !r.streamed[c.MessageID]
	r.streamed[c.MessageID] = true
	r.mu.Unlock()
	if first {
		assistantColor.Fprint(r.out, "assistant: ")
	}
	assistantColor.Fprint(r.out, c.Fragment)
}

func (r *repl) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)
	switch cmd {
	case "help":
		fmt.Fprintln(r.out, helpText)
	case "register":
		if len(args) < 2 {
			return apperr.Validationf("usage: register <email> <password> [first] [last]")
		}
		req := backend.RegisterRequest{Email: args[0], Password: args[1]}
		if len(args) > 2 {
			req.FirstName = args[2]
		}
		if len(args) > 3 {
			req.LastName = strings.Join(args[3:], " ")
		}
		user, err := r.manager.Register(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "registered and logged in as %s\n", user.DisplayName())
	case "login":
		if len(args) != 2 {
			return apperr.Validationf("usage: login <email> <password>")
		}
		user, err := r.manager.Login(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "logged in as %s\n", user.DisplayName())
	case "logout":
		_ = r.manager.Logout(ctx)
		fmt.Fprintln(r.out, "logged out")
	case "passwd":
		if len(args) != 2 {
			return apperr.Validationf("usage: passwd <current> <new>")
		}
		req := backend.ChangePasswordRequest{CurrentPassword: args[0], NewPassword: args[1]}
		if err := r.manager.WithToken(ctx, func(tok string) error {
			return r.api.ChangePassword(ctx, tok, req)
		}); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "password changed")
	case "new":
		r.chat.NewConversation()
		fmt.Fprintln(r.out, "started a new conversation")
	case "list":
		r.list()
	case "open", "delete":
		conv, err := r.pick(args)
		if err != nil {
			return err
		}
		if cmd == "open" {
			r.chat.SelectConversation(conv.LocalID)
			r.printTranscript(conv)
		} else {
			r.chat.DeleteConversation(conv.LocalID)
			fmt.Fprintf(r.out, "deleted %q\n", conv.Title)
		}
	case "history":
		if len(args) != 1 {
			return apperr.Validationf("usage: history <backend conversation id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return apperr.Validationf("invalid conversation id %q", args[0])
		}
		localID, err := r.chat.OpenBackendConversation(ctx, id)
		if err != nil {
			return err
		}
		if conv, ok := r.store.Conversation(localID); ok {
			r.printTranscript(conv)
		}
	case "reload":
		localID := r.store.ActiveID()
		if err := r.chat.Reload(ctx, localID); err != nil {
			return err
		}
		if conv, ok := r.store.Conversation(localID); ok {
			r.printTranscript(conv)
		}
	case "mode":
		if len(args) == 1 {
			mode, err := stream.ParseMode(args[0])
			if err != nil {
				return apperr.Validationf("%v", err)
			}
			r.chat.SetMode(mode)
		}
		fmt.Fprintf(r.out, "mode: %s\n", r.chat.Mode())
	case "status":
		st := r.status.Probe(ctx)
		c := assistantColor
		if st.State != model.APIOK {
			c = errorColor
		}
		c.Fprintf(r.out, "%s: %s\n", st.State, st.Message)
	case "attach":
		path, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if path == "" {
			return apperr.Validationf("usage: attach <path> [text]")
		}
		att, err := attachment(path)
		if err != nil {
			return err
		}
		return r.send(ctx, text, att)
	default:
		return r.send(ctx, line, nil)
	}
	return nil
}

func (r *repl) send(ctx context.Context, text string, att *model.Attachment) error {
	res, err := r.chat.Send(ctx, text, att)
	if res == nil {
		return err
	}

	r.mu.Lock()
	streamed := r.streamed[res.ReplyID]
	delete(r.streamed, res.ReplyID)
	r.mu.Unlock()

	conv, _ := r.store.Conversation(res.LocalID)
	var reply *model.Message
	for i := range conv.Messages {
		if conv.Messages[i].ID == res.ReplyID {
			reply = &conv.Messages[i]
		}
	}
	switch {
	case err != nil:
		if streamed {
			fmt.Fprintln(r.out)
		}
		if reply != nil {
			errorColor.Fprintf(r.out, "assistant: %s\n", reply.Content)
		}
		var remote *stream.RemoteError
		if errors.As(err, &remote) {
			return nil
		}
		return err
	case streamed:
		fmt.Fprintln(r.out)
	case reply != nil:
		assistantColor.Fprintf(r.out, "assistant: %s\n", reply.Content)
	}
	return nil
}

func (r *repl) list() {
	convs := r.store.Conversations()
	if len(convs) == 0 {
		fmt.Fprintln(r.out, "no conversations")
		return
	}
	active := r.store.ActiveID()
	for i, c := range convs {
		marker := " "
		if c.LocalID == active {
			marker = "*"
		}
		backendID := "-"
		if c.BackendID != nil {
			backendID = strconv.FormatInt(*c.BackendID, 10)
		}
		fmt.Fprintf(r.out, "%s %2d  %-40s ", marker, i+1, c.Title)
		dimColor.Fprintf(r.out, "[%s] %s\n", backendID, c.LastPreview)
	}
}

func (r *repl) pick(args []string) (model.Conversation, error) {
	convs := r.store.Conversations()
	if len(args) != 1 {
		return model.Conversation{}, apperr.Validationf("expected a conversation number")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(convs) {
		return model.Conversation{}, apperr.NotFoundf("conversation %s", args[0])
	}
	return convs[n-1], nil
}

func (r *repl) printTranscript(conv model.Conversation) {
	dimColor.Fprintf(r.out, "── %s ──\n", conv.Title)
	for _, m := range conv.Messages {
		switch m.Role {
		case model.RoleAssistant:
			assistantColor.Fprintf(r.out, "assistant: %s\n", m.Content)
		default:
			content := m.Content
			if m.Attachment != nil {
				content = strings.TrimSpace(content + " [" + m.Attachment.Name + "]")
			}
			fmt.Fprintf(r.out, "%s: %s\n", m.Role, content)
		}
	}
}

func attachment(path string) (*model.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.Validationf("cannot attach %s: %v", path, err)
	}
	if info.IsDir() {
		return nil, apperr.Validationf("cannot attach directory %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &model.Attachment{
		Name:        info.Name(),
		Path:        abs,
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Size:        info.Size(),
	}, nil
}
