package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xela07ax/botfleet/internal/domain"
)

// Тексты бота. Аудитория группы говорит по-португальски.
const (
	replyAllMarked     = "*Todos os membros foram marcados!!*"
	replyDrawing       = "Estou sorteando..."
	replyDrawWinner    = "Não teve para onde correr, foi você @%s"
	replyDrawNobody    = "Não tem ninguém para sortear por aqui."
	replyCEPHint       = "Percebi algo diferente, tenta assim: */Cep 04163050*"
	replyLookupApology = "*_Desculpe, os servidores das fontes estão meio lentos, tente novamente._*"
	replyValueChanged  = "*Valor alterado! 😊*"
	replyDefault       = "Não consegui entender a mensagem."
	mediaContext       = "MIDIA"
)

// Реплики на упоминание имени: с префиксом команды и без.
var (
	mentionWithPrefix = []string{
		"Qualquer coisa só digitar */comandos*",
		"Oi?",
		"oq?",
		"Posso te ajudar? Só digitar */comandos*",
		"Fala ai",
		"digita *_/comandos_* ai pow",
	}
	mentionPlain = []string{
		"Qualquer coisa só digitar */comandos*",
		"Posso te ajudar? Só digitar */comandos*",
		"Eu ajudo mais digitando */comandos*",
		"digita *_/comandos_* ai pow",
	}
)

type keywordReplies struct {
	keyword string
	replies []string
}

// Встроенная таблица реплик, порядок важен: побеждает первое совпадение.
var builtinKeywords = []keywordReplies{
	{"SAIR", []string{"Boa, to pensando sair hoje tbm", "Vai sair né?!", "Nem falou que ia sair, tava querendo também...."}},
	{"KK", []string{"Boa, kkkkkk", "kkkkkk", "Não entendi kkkkk", "kkkkk besta"}},
	{"QUERO", []string{"Eu também quero", "Querer não é poder!", "Eu também quero, mas querer não é poder!"}},
	{"LEGAL", []string{"Legal mesmo", "Tbm achei", "Será?", "Legal? Será?", "Mas não seria melhor o que é ilegal? kkkk parei"}},
	{"SIM", []string{"Concordo", "Tbm concordo", "Será?", "Tbm acho"}},
	{"VAMOS", []string{"Bora", "Vou tbm", "Eu queria ir, mas tenho que ficar vendo os grupos"}},
	{"PIX", []string{"Tá com dinheiro né....", "Pagamento já caiu?", "Divide com os pobres esse dinheiro todo ai"}},
	{"LINK", []string{"Eu nem entro nessas coisas pq pode ser vírus", "Nem vou entrar pq não confio em vc", "Tenho pavor de link"}},
}

// keywordTable строит таблицу из конфига бота. Пустой конфиг - встроенная таблица.
func keywordTable(cfg map[string][]string) []keywordReplies {
	if len(cfg) == 0 {
		return builtinKeywords
	}
	out := make([]keywordReplies, 0, len(cfg))
	for k, v := range cfg {
		if len(v) == 0 {
			continue
		}
		out = append(out, keywordReplies{keyword: keywordForm(k), replies: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].keyword < out[j].keyword })
	return out
}

func welcomeText(name string) string {
	return fmt.Sprintf("Oiee, sou a(o) *-- %s --* serei a(o) nova(o) companheira(o) do grupo de vocês\n\n"+
		"Eu posso por enquanto marcar todos do grupo, realizar um sorteio e marcar uma pessoa aleatóriamente, "+
		"posso também animar o grupo quando estiver muito silencioso, posso contar algumas piadas, notícias "+
		"e ainda interagir com algumas mensagens.\n\n"+
		"Para ver o que eu posso fazer você pode me chamar digitando meu *nome*, ou */Comandos*\n\n"+
		"*Palavras chaves até o momento:* _Sair, risadas(kkk) Quero, Legal, Otimo, Sim, Acho, Verdade, Vamos, "+
		"links, Clima, Melhor, Concordo, Vou, Vai, Vamo, Pix, Compro, Recebi, Comprei, Paguei, Dinheiro, Caro_", name)
}

func helpText(name string) string {
	var b strings.Builder
	b.WriteString("*_Meus comandos por enquanto são:_*\n\n")
	fmt.Fprintf(&b, "*/%s* - _Aqui você me chama_\n", name)
	b.WriteString("*/Comandos* - _Aqui eu te mostro meus Comandos_\n")
	b.WriteString("*/Todos* - _Aqui eu marco todos os usuários do Grupo_\n")
	b.WriteString("*/Boasvindas* - _Aqui eu me apresento para o Grupo_ :)\n")
	b.WriteString("*/Sorteio* - _Aqui eu sorteio ou escolho aleatoriamente algum usuário do grupo e marco ele_\n")
	b.WriteString("*/Noticias* - _Aqui eu mostro uma noticia simples para você_ ex: */Notícias Política*\n")
	b.WriteString("*/Cep* - _Aqui eu te retorno o cep pesquisado_ ex: */cep 04163050*\n")
	b.WriteString("*/Climas* - _Retorno o clima dos próximos 6 dias_\n")
	b.WriteString("*/message* - _Aqui é controlado a frequência de respostas (Apenas admin)_\n")
	b.WriteString("*/sticker* - _Aqui é controlado a frequência de respostas com stickers (Apenas admin)_\n")
	b.WriteString("*/chat* - _Aqui é controlado a permissão de envio de respostas (Apenas admin)_")
	return b.String()
}

func groupInfoText(st domain.GroupRuntime) string {
	return fmt.Sprintf("*GroupId* : %s\n*Valor de possibilidades:*\n\n*Sticker* - %d\n*Message* - %d\n*Chat* - %t",
		st.GroupID, st.StickerChance, st.MessageChance, st.ChatEnabled)
}
