// Package i18n renders operator-facing failure messages in Chinese or English.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Kind classifies a failure for message selection.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindTask         Kind = "task"
	KindDisconnected Kind = "disconnected"
	KindPersistence  Kind = "persistence"
	KindCanceled     Kind = "canceled"
	KindOther        Kind = "other"
)

// Failure is what an operator needs to know to act on an error.
type Failure struct {
	Serial string
	Task   int // 1-based; 0 when no task was active
	Step   string
	Kind   Kind
	Detail string
}

type translation struct {
	en string
	zh string
}

const (
	keyWhere      = "where"
	keyWhereNoJob = "where-no-task"
	keyLine       = "line"
)

var entries = map[string]translation{
	keyWhere:      {en: "device %s, task %d, step %s", zh: "设备 %s，任务 %d，步骤 %s"},
	keyWhereNoJob: {en: "device %s, step %s", zh: "设备 %s，步骤 %s"},
	keyLine:       {en: "%s: %s (%s). Hint: %s", zh: "%s：%s（%s）。建议：%s"},

	"reason." + string(KindNotFound):     {en: "element not found on screen", zh: "界面上未找到目标元素"},
	"reason." + string(KindTask):         {en: "the task could not be completed", zh: "任务无法完成"},
	"reason." + string(KindDisconnected): {en: "the device stopped responding", zh: "设备已断开连接"},
	"reason." + string(KindPersistence):  {en: "progress could not be saved", zh: "进度保存失败"},
	"reason." + string(KindCanceled):     {en: "the run was interrupted", zh: "运行被中断"},
	"reason." + string(KindOther):        {en: "unexpected error", zh: "未知错误"},

	"hint." + string(KindNotFound):     {en: "check the screenshot and update the selector candidates for this step", zh: "查看截图并更新该步骤的选择器候选项"},
	"hint." + string(KindTask):         {en: "verify the location and shop name in the task list", zh: "检查任务表中的定位点和店铺名字"},
	"hint." + string(KindDisconnected): {en: "reconnect the device, confirm adb authorization and start it again", zh: "重新连接设备并确认 adb 授权后再次启动"},
	"hint." + string(KindPersistence):  {en: "check free disk space and permissions of the output directory", zh: "检查输出目录的磁盘空间和写入权限"},
	"hint." + string(KindCanceled):     {en: "resume the device to continue from its checkpoint", zh: "恢复设备即可从断点继续"},
	"hint." + string(KindOther):        {en: "see the device log for details", zh: "请查看设备日志"},
}

var cat = buildCatalog()

func buildCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, tr := range entries {
		if err := b.SetString(language.English, key, tr.en); err != nil {
			panic(err)
		}
		if err := b.SetString(language.Chinese, key, tr.zh); err != nil {
			panic(err)
		}
	}
	return b
}

// Tag maps a configured locale ("zh" or "en") to a language tag.
func Tag(locale string) language.Tag {
	if locale == "zh" {
		return language.Chinese
	}
	return language.English
}

// Printer returns a printer bound to the harvester catalog.
func Printer(locale string) *message.Printer {
	return message.NewPrinter(Tag(locale), message.Catalog(cat))
}

// Describe renders f as a single line naming device, task, step and a remedy.
func Describe(locale string, f Failure) string {
	p := Printer(locale)
	kind := f.Kind
	if _, ok := entries["reason."+string(kind)]; !ok {
		kind = KindOther
	}

	step := f.Step
	if step == "" {
		step = "-"
	}
	var where string
	if f.Task > 0 {
		where = p.Sprintf(keyWhere, f.Serial, f.Task, step)
	} else {
		where = p.Sprintf(keyWhereNoJob, f.Serial, step)
	}
	detail := f.Detail
	if detail == "" {
		detail = "-"
	}
	return p.Sprintf(keyLine, where, p.Sprintf("reason."+string(kind)), detail, p.Sprintf("hint."+string(kind)))
}
