package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/paintwave/imagenbot/internal/models"
)

func mainMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🎨 Генерация", "generate"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⚙️ Настройки", "settings"),
		),
	)
}

func cancelKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("❌ Отмена", "cancel_generation"),
		),
	)
}

func clarificationKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⏭ Пропустить", "skip_clarification"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("❌ Отмена", "cancel_generation"),
		),
	)
}

func settingsKeyboard(clarificationEnabled bool, model models.ImageModel) tgbotapi.InlineKeyboardMarkup {
	status := "ВЫКЛ ❌"
	if clarificationEnabled {
		status = "ВКЛ ✅"
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Уточнение промта: %s", status), "toggle_clarification"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Модель: %s %s", model.Emoji, model.Name), "choose_model"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("◀️ В меню", "back_to_menu"),
		),
	)
}

// modelsKeyboard renders one button per model with today's remaining quota
// in brackets; -1 means unlimited.
func modelsKeyboard(current models.ModelID, catalog []models.ImageModel, remaining map[models.ModelID]int) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(catalog)+1)
	for _, m := range catalog {
		label := fmt.Sprintf("%s %s", m.Emoji, m.Name)
		if left, ok := remaining[m.ID]; ok && left >= 0 {
			label += fmt.Sprintf(" (%d)", left)
		}
		if m.ID == current {
			label += " ✓"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "set_model:"+string(m.ID)),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("◀️ Назад", "settings"),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func subscriptionKeyboard(channelUsername string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Подписаться на канал", fmt.Sprintf("https://t.me/%s", channelUsername)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Проверить подписку ✅", "check_subscription"),
		),
	)
}
