package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/paintwave/imagenbot/internal/config"
	"github.com/paintwave/imagenbot/internal/keypool"
	"github.com/paintwave/imagenbot/internal/models"
	"github.com/paintwave/imagenbot/internal/orchestrator"
	"github.com/paintwave/imagenbot/internal/quota"
	"github.com/paintwave/imagenbot/internal/repository"
	"github.com/paintwave/imagenbot/internal/session"
)

var errNotAnImage = errors.New("not an image")

// Bot adapts Telegram updates into orchestrator events and renders outcomes
// back into messages. It holds no generation logic of its own.
type Bot struct {
	cfg        config.Config
	api        *tgbotapi.BotAPI
	log        *slog.Logger
	users      *repository.UserRepository
	orch       *orchestrator.Orchestrator
	quota      *quota.Tracker
	catalog    *models.Catalog
	httpClient *http.Client
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log *slog.Logger, users *repository.UserRepository, orch *orchestrator.Orchestrator, quotaTracker *quota.Tracker, catalog *models.Catalog) *Bot {
	return &Bot{
		cfg:        cfg,
		api:        api,
		log:        log,
		users:      users,
		orch:       orch,
		quota:      quotaTracker,
		catalog:    catalog,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(ctx, update.Message)
			} else if update.CallbackQuery != nil {
				go b.handleCallback(ctx, update.CallbackQuery)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user", "err", err)
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg, user)
		return
	}

	if !b.requireSubscription(ctx, user, msg.Chat.ID) {
		return
	}

	if len(msg.Photo) > 0 {
		b.handlePhoto(ctx, msg, user)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		b.sendText(msg.Chat.ID, "Пожалуйста, отправьте текстовое описание.")
		return
	}

	switch b.orch.Session(user.ID).State {
	case session.StateAwaitingClarification:
		b.sendText(msg.Chat.ID, "🎨 Формирую промт и генерирую изображение...")
		outcome, err := b.orch.SubmitAnswers(ctx, user, text)
		b.renderOutcome(msg.Chat.ID, outcome, err)
	default:
		// Any unsolicited text is an implicit new generation request.
		b.processPrompt(ctx, msg.Chat.ID, user, text)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, user *models.User) {
	switch msg.Command() {
	case "start":
		b.orch.Cancel(user.ID)
		if !b.requireSubscription(ctx, user, msg.Chat.ID) {
			return
		}
		b.sendWithKeyboard(msg.Chat.ID, "Добро пожаловать! Выберите действие:", mainMenuKeyboard())
	case "generate":
		if !b.requireSubscription(ctx, user, msg.Chat.ID) {
			return
		}
		b.orch.Begin(user.ID)
		b.sendWithKeyboard(msg.Chat.ID, "Опишите, какое изображение вы хотите сгенерировать:", cancelKeyboard())
	case "cancel":
		b.orch.Cancel(user.ID)
		b.sendWithKeyboard(msg.Chat.ID, "Генерация отменена. Выберите действие:", mainMenuKeyboard())
	case "settings":
		b.showSettings(msg.Chat.ID, user)
	default:
		b.sendText(msg.Chat.ID, "Неизвестная команда. Отправьте /generate, чтобы начать.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	user, err := b.ensureUser(ctx, cb.From, chatID)
	if err != nil {
		b.log.Error("ensure user callback", "err", err)
		return
	}

	data := cb.Data
	switch {
	case data == "check_subscription":
		if b.isSubscribed(ctx, user.TelegramID) {
			b.ack(cb, "")
			b.sendWithKeyboard(chatID, "Добро пожаловать! Выберите действие:", mainMenuKeyboard())
		} else {
			b.ack(cb, "Вы ещё не подписались на канал!")
		}
		return
	case data == "generate":
		if !b.requireSubscription(ctx, user, chatID) {
			b.ack(cb, "")
			return
		}
		b.orch.Begin(user.ID)
		b.ack(cb, "")
		b.sendWithKeyboard(chatID, "Опишите, какое изображение вы хотите сгенерировать:", cancelKeyboard())
	case data == "cancel_generation":
		b.orch.Cancel(user.ID)
		b.ack(cb, "")
		b.sendWithKeyboard(chatID, "Генерация отменена. Выберите действие:", mainMenuKeyboard())
	case data == "skip_clarification":
		b.ack(cb, "")
		b.sendText(chatID, "🎨 Генерирую изображение...")
		outcome, err := b.orch.SkipClarification(ctx, user)
		b.renderOutcome(chatID, outcome, err)
	case data == "settings":
		b.ack(cb, "")
		b.showSettings(chatID, user)
	case data == "toggle_clarification":
		enabled := !user.ClarificationEnabled
		if err := b.users.SetClarificationEnabled(ctx, user.ID, enabled); err != nil {
			b.log.Error("toggle clarification", "err", err)
			b.ack(cb, "Не удалось сохранить настройку")
			return
		}
		user.ClarificationEnabled = enabled
		b.ack(cb, "")
		b.showSettings(chatID, user)
	case data == "choose_model":
		b.ack(cb, "")
		b.showModels(ctx, chatID, user)
	case strings.HasPrefix(data, "set_model:"):
		b.selectModel(ctx, cb, chatID, user, models.ModelID(strings.TrimPrefix(data, "set_model:")))
	case data == "back_to_menu":
		b.orch.Cancel(user.ID)
		b.ack(cb, "")
		b.sendWithKeyboard(chatID, "Выберите действие:", mainMenuKeyboard())
	default:
		b.ack(cb, "Неизвестный выбор")
	}
}

func (b *Bot) processPrompt(ctx context.Context, chatID int64, user *models.User, text string) {
	if user.ClarificationEnabled {
		b.sendText(chatID, "🤔 Готовлю уточняющие вопросы...")
	} else {
		b.sendText(chatID, "🎨 Генерирую изображение...")
	}
	outcome, err := b.orch.SubmitPrompt(ctx, user, text)
	b.renderOutcome(chatID, outcome, err)
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message, user *models.User) {
	photo := msg.Photo[len(msg.Photo)-1]
	data, mimeType, err := b.downloadFile(ctx, photo.FileID)
	if err != nil {
		if errors.Is(err, errNotAnImage) {
			b.sendText(msg.Chat.ID, "Это не изображение. Пришлите фото или картинку.")
		} else {
			b.log.Error("download photo", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось загрузить фото, попробуйте снова.")
		}
		return
	}

	b.sendText(msg.Chat.ID, "🎨 Генерирую изображение по фото...")
	outcome, err := b.orch.SubmitPhoto(ctx, user, data, mimeType, strings.TrimSpace(msg.Caption))
	b.renderOutcome(msg.Chat.ID, outcome, err)
}

// renderOutcome maps every orchestrator outcome to its own user-visible
// message. Failures are typed; there is no catch-all success path.
func (b *Bot) renderOutcome(chatID int64, outcome orchestrator.Outcome, err error) {
	if err != nil {
		b.log.Error("orchestrator error", "err", err)
		b.sendWithKeyboard(chatID, "😔 Что-то пошло не так. Попробуйте позже.", mainMenuKeyboard())
		return
	}

	switch outcome.Kind {
	case orchestrator.OutcomeQuestions:
		text := fmt.Sprintf("Уточняющие вопросы:\n\n%s\n\nОтветьте на вопросы одним сообщением или нажмите «Пропустить»:", outcome.Questions)
		b.sendWithKeyboard(chatID, text, clarificationKeyboard())
	case orchestrator.OutcomeImage:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{
			Name:  "generation.png",
			Bytes: outcome.Image,
		})
		photo.Caption = clipCaption(outcome.FinalPrompt)
		photo.ReplyMarkup = mainMenuKeyboard()
		if _, err := b.api.Send(photo); err != nil {
			b.log.Error("send image", "err", err)
			b.sendText(chatID, "Изображение готово, но отправить его не удалось. Попробуйте ещё раз.")
		}
	case orchestrator.OutcomeQuotaExceeded:
		text := "🚫 Дневной лимит для этой модели исчерпан. Попробуйте завтра или выберите другую модель в настройках."
		if outcome.Quota.Limit > 0 {
			text = fmt.Sprintf("🚫 Дневной лимит исчерпан (%d/%d). Попробуйте завтра или выберите другую модель в настройках.", outcome.Quota.Used, outcome.Quota.Limit)
		}
		b.sendWithKeyboard(chatID, text, mainMenuKeyboard())
	case orchestrator.OutcomeFailure:
		b.sendWithKeyboard(chatID, failureMessage(outcome.FailureKind), mainMenuKeyboard())
	case orchestrator.OutcomeDiscarded:
		// The user moved on; stay quiet.
	default:
		b.log.Error("unhandled outcome", "kind", int(outcome.Kind))
	}
}

func failureMessage(kind keypool.FailureKind) string {
	switch kind {
	case keypool.FailureResourceExhausted:
		return "😔 Сервис генерации сейчас перегружен: закончились доступные ключи. Попробуйте позже."
	case keypool.FailureBadRequest:
		return "🚫 Этот запрос отклонён сервисом генерации. Попробуйте переформулировать описание."
	case keypool.FailureTimeout:
		return "⏳ Сервис генерации не ответил вовремя. Попробуйте ещё раз."
	case keypool.FailureUpstreamProtocol:
		return "😔 Сервис генерации вернул некорректный ответ. Попробуйте позже."
	default:
		return "😔 Не удалось сгенерировать изображение. Попробуйте позже."
	}
}

func (b *Bot) showSettings(chatID int64, user *models.User) {
	model, ok := b.catalog.Get(user.SelectedModel)
	if !ok {
		model = b.catalog.Default()
	}
	b.sendWithKeyboard(chatID, "⚙️ Настройки", settingsKeyboard(user.ClarificationEnabled, model))
}

func (b *Bot) showModels(ctx context.Context, chatID int64, user *models.User) {
	remaining := make(map[models.ModelID]int)
	for _, m := range b.catalog.All() {
		left, err := b.quota.Remaining(ctx, user.ID, m.ID)
		if err != nil {
			b.log.Error("model remaining", "model", m.ID, "err", err)
			continue
		}
		remaining[m.ID] = left
	}
	text := "🎨 Выберите модель генерации\n\nВ скобках — оставшиеся генерации на сегодня."
	b.sendWithKeyboard(chatID, text, modelsKeyboard(user.SelectedModel, b.catalog.All(), remaining))
}

func (b *Bot) selectModel(ctx context.Context, cb *tgbotapi.CallbackQuery, chatID int64, user *models.User, modelID models.ModelID) {
	model, ok := b.catalog.Get(modelID)
	if !ok {
		b.ack(cb, "Неизвестная модель")
		return
	}

	if model.DailyLimit > 0 {
		left, err := b.quota.Remaining(ctx, user.ID, modelID)
		if err != nil {
			b.log.Error("check model quota", "err", err)
			b.ack(cb, "Не удалось проверить лимит")
			return
		}
		if left == 0 {
			b.ack(cb, fmt.Sprintf("Лимит %s исчерпан на сегодня (%d/%d)", model.Name, model.DailyLimit, model.DailyLimit))
			return
		}
	}

	if err := b.users.SetSelectedModel(ctx, user.ID, modelID); err != nil {
		b.log.Error("set model", "err", err)
		b.ack(cb, "Не удалось сохранить выбор")
		return
	}
	user.SelectedModel = modelID
	b.ack(cb, fmt.Sprintf("%s %s выбрана!", model.Emoji, model.Name))
	b.showModels(ctx, chatID, user)
}

// requireSubscription gates generation behind the required channel. The
// admin and unconfigured deployments pass through.
func (b *Bot) requireSubscription(ctx context.Context, user *models.User, chatID int64) bool {
	if b.cfg.RequiredChannel == "" || user.TelegramID == b.cfg.AdminID {
		return true
	}
	if b.isSubscribed(ctx, user.TelegramID) {
		return true
	}
	b.sendWithKeyboard(chatID, "Для использования бота необходимо подписаться на канал:", subscriptionKeyboard(b.cfg.RequiredChannel))
	return false
}

func (b *Bot) isSubscribed(_ context.Context, telegramID int64) bool {
	member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			SuperGroupUsername: "@" + b.cfg.RequiredChannel,
			UserID:             telegramID,
		},
	})
	if err != nil {
		b.log.Error("subscription check failed", "telegram_id", telegramID, "err", err)
		return false
	}
	switch strings.ToLower(member.Status) {
	case "left", "kicked":
		return false
	default:
		return true
	}
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("file path empty")
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.User, error) {
	username := ""
	fullName := ""
	telegramID := chatID
	if from != nil {
		username = from.UserName
		fullName = strings.TrimSpace(from.FirstName + " " + from.LastName)
		telegramID = from.ID
	}
	user, _, err := b.users.Ensure(ctx, telegramID, username, fullName, b.catalog.Default().ID)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (b *Bot) ack(cb *tgbotapi.CallbackQuery, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, text)); err != nil {
		b.log.Error("callback ack", "err", err)
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func (b *Bot) sendWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "err", err)
	}
}

func clipCaption(prompt string) string {
	caption := "🎨 " + prompt
	runes := []rune(caption)
	if len(runes) > 900 {
		return string(runes[:900])
	}
	return caption
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errNotAnImage
	}
}
