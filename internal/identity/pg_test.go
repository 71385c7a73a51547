package identity

import (
	"reflect"
	"testing"

	"github.com/go-pg/pg/v10/orm"
)

// 绑定表由外部 OAuth 流程写入，表名是双方的契约，不能漂移
func TestLinkModelTableName(t *testing.T) {
	table := orm.GetTable(reflect.TypeOf(LinkModel{}))
	if got := string(table.SQLName); got != "identity_links" {
		t.Errorf("expected table identity_links, got %s", got)
	}
}
