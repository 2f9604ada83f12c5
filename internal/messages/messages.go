package messages

import (
	"fmt"
	"strings"
	"time"
)

const ParseModeHTML = "HTML"

// Brasília time, used for every date shown to users.
var TimezoneBR = time.FixedZone("BRT", -3*60*60)

func Escape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(strings.TrimSpace(s))
}

func Title(text string) string {
	return fmt.Sprintf("✨ <b>%s</b>", Escape(text))
}

func FormatDateBR(t *time.Time) string {
	if t == nil {
		return "vitalício"
	}
	return t.In(TimezoneBR).Format("02/01/2006")
}

func FormatDateTimeBR(t time.Time) string {
	return t.In(TimezoneBR).Format("02/01/2006 às 15:04")
}

func FormatPrice(cents int64) string {
	return fmt.Sprintf("R$ %d,%02d", cents/100, cents%100)
}

func ErrorDefault() string {
	return "🚫 <b>Ocorreu um erro</b>\nTente novamente em instantes."
}

func ErrorUnknownCommand() string {
	return "❓ <b>Comando não encontrado</b>"
}

func ErrorNoGroups() string {
	return "⚠️ Tivemos um problema interno para buscar os grupos. Nossa equipe foi notificada."
}

func StartWelcome(firstName string) string {
	name := Escape(firstName)
	if name == "" {
		name = "olá"
	}
	return fmt.Sprintf("👋 <b>Bem-vindo(a), %s!</b>\n\nEscolha um plano abaixo para receber acesso aos nossos grupos exclusivos.", name)
}

func RenewHeader() string {
	return "🔄 <b>Renovar assinatura</b>\nEscolha um plano:"
}

func NoProducts() string {
	return "😕 Nenhum plano disponível no momento."
}

func ProductButton(name string, priceCents int64) string {
	return fmt.Sprintf("%s · %s", strings.TrimSpace(name), FormatPrice(priceCents))
}

func AlreadyActive(productName string, end *time.Time) string {
	return fmt.Sprintf("✅ Você já possui uma assinatura ativa (<b>%s</b>), válida até %s.",
		Escape(productName), FormatDateBR(end))
}

func ChargeCreated(productName string, priceCents int64) string {
	return fmt.Sprintf("🧾 <b>Pagamento via PIX</b>\nPlano: <b>%s</b>\nValor: <b>%s</b>\n\n"+
		"Escaneie o QR Code ou use o código copia e cola abaixo. O acesso é liberado automaticamente após a confirmação.",
		Escape(productName), FormatPrice(priceCents))
}

func PixCode(code string) string {
	return fmt.Sprintf("<code>%s</code>", Escape(code))
}

func ChargeFailed() string {
	return "🚫 Não foi possível gerar o pagamento agora. Tente novamente em alguns minutos."
}

func StatusActive(productName string, end *time.Time) string {
	if end == nil {
		return fmt.Sprintf("✅ <b>Assinatura ativa</b>\nPlano: %s\nAcesso vitalício.", Escape(productName))
	}
	return fmt.Sprintf("✅ <b>Assinatura ativa</b>\nPlano: %s\nVálida até: %s", Escape(productName), FormatDateBR(end))
}

func ResendLinksButton() string {
	return "🔗 Receber links novamente"
}

func ResendStarted() string {
	return "⏳ Gerando novos links de acesso..."
}

func ResendTooSoon() string {
	return "⏳ Você acabou de pedir novos links. Aguarde alguns minutos e tente de novo."
}

func StatusNone() string {
	return "ℹ️ Você não possui assinatura ativa. Use /renovar para assinar."
}

func AccessGranted(lines []string) string {
	return "🎉 <b>Pagamento confirmado!</b>\n\nSeja bem-vindo(a)! Aqui estão seus links de acesso exclusivos:\n\n" +
		strings.Join(lines, "\n") +
		"\n\n⚠️ <b>Atenção:</b> cada link só pode ser usado <b>uma vez</b> e expira em breve. Entre em todos os grupos agora."
}

func GroupLinkLine(group, link string) string {
	return fmt.Sprintf("🔗 <b>%s:</b> %s", Escape(group), Escape(link))
}

func GroupAlreadyMemberLine(group string) string {
	return fmt.Sprintf("👥 <b>%s:</b> você já participa deste grupo.", Escape(group))
}

func GroupFailedLine(group string) string {
	return fmt.Sprintf("❌ Falha ao gerar o link para <b>%s</b>. Contate o suporte.", Escape(group))
}

func GroupInvite(group, link string) string {
	return fmt.Sprintf("📣 Um novo grupo foi adicionado à sua assinatura!\n\n%s", GroupLinkLine(group, link))
}

func ReminderExpiring(productName string, end *time.Time) string {
	return fmt.Sprintf("Olá! 👋 Sua assinatura <b>%s</b> está próxima de vencer (em %s). Para não perder o acesso, use o comando /renovar.",
		Escape(productName), FormatDateBR(end))
}

func SubscriptionExpired() string {
	return "Sua assinatura expirou e seu acesso aos grupos foi removido. Para voltar, use o comando /renovar."
}

func AccessRevoked() string {
	return "🚫 Seu acesso aos grupos foi revogado por um administrador."
}

func AdminGrantUsage() string {
	return "Uso: <code>/grant &lt;id|@usuario&gt; &lt;id_do_plano&gt;</code>"
}

func AdminRevokeUsage() string {
	return "Uso: <code>/revoke &lt;id|@usuario&gt; [motivo]</code>"
}

func AdminBroadcastUsage() string {
	return "Uso: <code>/broadcast &lt;mensagem&gt;</code>"
}

func AdminInviteGroupUsage() string {
	return "Uso: <code>/invitegroup &lt;chat_id&gt;</code>"
}

func AdminUserUsage() string {
	return "Uso: <code>/user &lt;id|@usuario&gt;</code>"
}

// AdminUserStatus describes a user for admins; productName is empty when
// there is no active subscription.
func AdminUserStatus(firstName, username string, telegramUserID int64, productName string, start, end *time.Time) string {
	handle := "-"
	if username != "" {
		handle = "@" + Escape(username)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👤 <b>%s</b>\nID: <code>%d</code>\nUsuário: %s\n\n", Escape(firstName), telegramUserID, handle)
	if productName == "" {
		b.WriteString("Sem assinatura ativa.")
		return b.String()
	}
	started := "-"
	if start != nil {
		started = FormatDateBR(start)
	}
	fmt.Fprintf(&b, "Plano: %s\nInício: %s\nFim: %s", Escape(productName), started, FormatDateBR(end))
	return b.String()
}

func AdminUserNotFound(identifier string) string {
	return fmt.Sprintf("🔎 Usuário <b>%s</b> não encontrado. Ele precisa ter iniciado o bot.", Escape(identifier))
}

func AdminProductNotFound() string {
	return "🔎 Plano não encontrado."
}

func AdminGroupNotFound() string {
	return "🔎 Grupo não cadastrado."
}

func AdminAlreadyActive() string {
	return "⚠️ O usuário já possui uma assinatura ativa."
}

func AdminGrantDone(telegramUserID int64, productName string, end *time.Time) string {
	return fmt.Sprintf("✅ Acesso concedido a <code>%d</code> (%s) até %s.", telegramUserID, Escape(productName), FormatDateBR(end))
}

func AdminRevokeDone(telegramUserID int64, removed int) string {
	return fmt.Sprintf("✅ Assinatura de <code>%d</code> revogada. Removido de %d grupo(s).", telegramUserID, removed)
}

func AdminNothingToRevoke(telegramUserID int64) string {
	return fmt.Sprintf("ℹ️ <code>%d</code> não possui assinatura ativa.", telegramUserID)
}

func AdminStarted(what string, total int) string {
	return fmt.Sprintf("⏳ Iniciando %s para %d usuário(s)... Isso pode levar tempo.", Escape(what), total)
}

func AdminBroadcastDone(sent, failed int) string {
	return fmt.Sprintf("📢 Envio concluído!\n\n- Mensagens enviadas: %d\n- Falhas (usuários que bloquearam o bot): %d", sent, failed)
}

func AdminInviteGroupDone(group string, delivered, already, failed int) string {
	return fmt.Sprintf("📣 Convites para <b>%s</b> concluídos.\n\n- Enviados: %d\n- Já eram membros: %d\n- Falhas: %d",
		Escape(group), delivered, already, failed)
}

func AdminSweepStarted() string {
	return "🧹 Verificação de assinaturas iniciada."
}

func AdminSweepDone(reminded, expired, removed, failed int) string {
	return fmt.Sprintf("🧹 Verificação concluída.\n\n- Avisos enviados: %d\n- Assinaturas expiradas: %d\n- Remoções de grupos: %d\n- Falhas: %d",
		reminded, expired, removed, failed)
}

func AdminSweepBusy() string {
	return "⏳ Uma verificação já está em andamento."
}
