package merge

import (
	"reflect"

	"github.com/zoravur/livejoin/internal/livedata"
)

type contribution struct {
	sub   *Sub
	value any
}

// documentView is the merged state of one document across subs. For each
// field, contributions are kept in first-seen order and the first one is the
// visible value; removing it promotes the next-oldest remaining contributor.
type documentView struct {
	subs   map[*Sub]struct{}
	fields map[string][]contribution
}

func newDocumentView() *documentView {
	return &documentView{
		subs:   make(map[*Sub]struct{}),
		fields: make(map[string][]contribution),
	}
}

func (dv *documentView) visible() livedata.Fields {
	out := make(livedata.Fields, len(dv.fields))
	for k, list := range dv.fields {
		out[k] = list[0].value
	}
	return out
}

// set upserts sub's value for key and records a visible change in out.
func (dv *documentView) set(sub *Sub, key string, value any, out livedata.Delta) {
	list := dv.fields[key]
	if len(list) == 0 {
		dv.fields[key] = []contribution{{sub: sub, value: value}}
		out[key] = livedata.Set(value)
		return
	}
	for i := range list {
		if list[i].sub != sub {
			continue
		}
		if i == 0 && !reflect.DeepEqual(list[0].value, value) {
			out[key] = livedata.Set(value)
		}
		list[i].value = value
		return
	}
	dv.fields[key] = append(list, contribution{sub: sub, value: value})
}

// clear drops sub's contribution to key and records a visible change in out.
func (dv *documentView) clear(sub *Sub, key string, out livedata.Delta) {
	list, ok := dv.fields[key]
	if !ok {
		return
	}
	var removed any
	wasVisible := false
	for i := range list {
		if list[i].sub != sub {
			continue
		}
		if i == 0 {
			removed, wasVisible = list[0].value, true
		}
		list = append(list[:i], list[i+1:]...)
		break
	}
	if len(list) == 0 {
		delete(dv.fields, key)
		out[key] = livedata.Clear()
		return
	}
	dv.fields[key] = list
	if wasVisible && !reflect.DeepEqual(removed, list[0].value) {
		out[key] = livedata.Set(list[0].value)
	}
}

// collectionView holds the merged documents of one collection.
type collectionView struct {
	name string
	docs map[string]*documentView
}

func newCollectionView(name string) *collectionView {
	return &collectionView{name: name, docs: make(map[string]*documentView)}
}

func (m *Merger) added(sub *Sub, coll, id string, fields livedata.Fields) {
	cv := m.collections[coll]
	if cv == nil {
		cv = newCollectionView(coll)
		m.collections[coll] = cv
	}
	dv, ok := cv.docs[id]
	out := livedata.Delta{}
	if !ok {
		dv = newDocumentView()
		dv.subs[sub] = struct{}{}
		for k, v := range fields {
			dv.set(sub, k, v, out)
		}
		cv.docs[id] = dv
		m.emitAdded(coll, id, dv.visible())
		return
	}
	dv.subs[sub] = struct{}{}
	for k, v := range fields {
		dv.set(sub, k, v, out)
	}
	m.emitChanged(coll, id, out)
}

func (m *Merger) changed(sub *Sub, coll, id string, d livedata.Delta) {
	cv := m.collections[coll]
	var dv *documentView
	if cv != nil {
		dv = cv.docs[id]
	}
	if dv == nil {
		m.log.Warn("change for unknown document", zapDoc(coll, id))
		return
	}
	// A sub only changes documents it added.
	if _, ok := dv.subs[sub]; !ok {
		m.log.Warn("change from sub that did not add the document", zapDoc(coll, id))
		return
	}
	out := livedata.Delta{}
	for k, v := range d {
		if v.Cleared {
			dv.clear(sub, k, out)
		} else {
			dv.set(sub, k, v.V, out)
		}
	}
	m.emitChanged(coll, id, out)
}

func (m *Merger) removed(sub *Sub, coll, id string) {
	cv := m.collections[coll]
	var dv *documentView
	if cv != nil {
		dv = cv.docs[id]
	}
	if dv == nil {
		m.log.Warn("removal of unknown document", zapDoc(coll, id))
		return
	}
	if _, ok := dv.subs[sub]; !ok {
		return
	}
	delete(dv.subs, sub)
	if len(dv.subs) == 0 {
		delete(cv.docs, id)
		m.emitRemoved(coll, id)
		return
	}
	out := livedata.Delta{}
	for k := range dv.fields {
		dv.clear(sub, k, out)
	}
	m.emitChanged(coll, id, out)
}
