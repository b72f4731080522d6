package device

import (
	"fmt"
	"strings"
)

// DemoPrefix marks serials that are served by the built-in demo script
// instead of a real handset.
const DemoPrefix = "MOCK-"

// IsDemo reports whether serial names a demo device.
func IsDemo(serial string) bool {
	return strings.HasPrefix(serial, DemoPrefix)
}

const (
	appID         = "com.sankuai.meituan:id/"
	rowHeight     = 220
	listTop       = 400
	sidebarRight  = 200
	contentLeft   = 220
	contentRight  = 1080
	editTextClass = "android.widget.EditText"
)

// ItemRow lays out one catalog row (name, monthly sales, price) starting at top.
func ItemRow(name, sales, price string, top int) []Node {
	return []Node{
		{Text: name, ResourceID: appID + "txt_product_name", Bounds: Rect{Left: contentLeft, Top: top, Right: contentRight, Bottom: top + 60}},
		{Text: sales, ResourceID: appID + "txt_product_sales", Bounds: Rect{Left: contentLeft, Top: top + 70, Right: 600, Bottom: top + 110}},
		{Text: price, ResourceID: appID + "txt_product_price", Bounds: Rect{Left: contentLeft, Top: top + 120, Right: 500, Bottom: top + 170}},
	}
}

// ItemPage lays out names as consecutive rows. Sales and price derive from
// the name so an item repeated on the next page reads the same.
func ItemPage(names ...string) []Node {
	var nodes []Node
	for i, name := range names {
		sales := fmt.Sprintf("月售%d", len(name)*7%200)
		price := fmt.Sprintf("¥%d.%d", 5+len(name)%40, len(name)%10)
		nodes = append(nodes, ItemRow(name, sales, price, listTop+i*rowHeight)...)
	}
	return nodes
}

// CategoryNode is a sidebar entry that activates the list named after it.
func CategoryNode(name string, index int) Node {
	top := listTop + index*120
	return Node{
		Text:       name,
		ResourceID: appID + "txt_category_name_1",
		Bounds:     Rect{Left: 0, Top: top, Right: sidebarRight, Bottom: top + 100},
		Select:     name,
	}
}

// DemoScript is a small pharmacy storefront used for MOCK- devices.
func DemoScript() Script {
	categories := []string{"感冒用药", "维生素钙", "肠胃用药"}
	lists := map[string][][]Node{
		"感冒用药": {
			ItemPage("[999]感冒灵颗粒10袋", "[连花清瘟]胶囊24粒", "[白加黑]感冒片"),
			ItemPage("[白加黑]感冒片", "[泰诺]酚麻美敏片", "[快克]复方氨酚烷胺胶囊"),
		},
		"维生素钙": {
			ItemPage("[汤臣倍健]维生素C片", "[钙尔奇]碳酸钙D3片"),
		},
		"肠胃用药": {
			ItemPage("[吗丁啉]多潘立酮片", "[思密达]蒙脱石散"),
			ItemPage("[思密达]蒙脱石散", "[江中]健胃消食片"),
		},
	}

	shopNodes := []Node{
		{Text: "全部商品", ResourceID: appID + "tab_all", Bounds: Rect{Left: 0, Top: 300, Right: 300, Bottom: 380}},
	}
	for i, c := range categories {
		shopNodes = append(shopNodes, CategoryNode(c, i))
	}

	return Script{
		Start: "home",
		Screens: map[string]*Screen{
			"home": {Nodes: []Node{
				{Text: "外卖", Bounds: Rect{Left: 0, Top: 500, Right: 150, Bottom: 600}, Goto: "takeout"},
			}},
			"takeout": {Nodes: []Node{
				{Text: "看病买药", Bounds: Rect{Left: 900, Top: 500, Right: 1080, Bottom: 600}, Goto: "pharmacy"},
			}},
			"pharmacy": {Nodes: []Node{
				{Text: "当前定位", ResourceID: appID + "address_text", Bounds: Rect{Left: 400, Top: 100, Right: 800, Bottom: 160}, Goto: "location"},
				{Text: "搜索药品/药店", ResourceID: appID + "search_bar", Bounds: Rect{Left: 100, Top: 200, Right: 1000, Bottom: 280}, Goto: "search"},
			}},
			"location": {Nodes: []Node{
				{ResourceID: appID + "search_edit", ClassName: editTextClass, Bounds: Rect{Left: 100, Top: 100, Right: 1000, Bottom: 180}},
				{Text: "中山路88号", ResourceID: appID + "address_item_title", Bounds: Rect{Left: 100, Top: 300, Right: 1000, Bottom: 380}, Goto: "pharmacy"},
			}},
			"search": {Nodes: []Node{
				{ResourceID: appID + "search_edit", ClassName: editTextClass, Bounds: Rect{Left: 100, Top: 100, Right: 900, Bottom: 180}},
				{Text: "搜索", ResourceID: appID + "search_button", Bounds: Rect{Left: 900, Top: 100, Right: 1080, Bottom: 180}, Goto: "results"},
			}},
			"results": {Nodes: []Node{
				{Text: "益丰大药房(演示店)", ResourceID: appID + "shop_name", Bounds: Rect{Left: 100, Top: 300, Right: 1000, Bottom: 400}, Goto: "shop"},
			}},
			"shop": {Nodes: shopNodes, Lists: lists, List: categories[0]},
		},
	}
}
