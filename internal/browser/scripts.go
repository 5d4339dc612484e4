package browser

import (
	"encoding/json"
	"fmt"
)

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

const jsVisible = `(el => !!(el && el.getClientRects().length && getComputedStyle(el).visibility !== 'hidden'))`

// visibleNth evaluates to the nth visible element matching selector, or undefined.
func visibleNth(selector string, nth int) string {
	return fmt.Sprintf(`[...document.querySelectorAll(%s)].filter(%s)[%d]`, jsString(selector), jsVisible, nth)
}

func rowExpr(rowSelector string, row int) string {
	return fmt.Sprintf(`document.querySelectorAll(%s)[%d]`, jsString(rowSelector), row)
}

func controlExpr(rowSelector, controlSelector string, ref ControlRef) string {
	return fmt.Sprintf(`(document.querySelectorAll(%s)[%d]||document.createElement('div')).querySelectorAll(%s)[%d]`,
		jsString(rowSelector), ref.Row, jsString(controlSelector), ref.Index)
}

// linkExpr evaluates to the first visible anchor whose href contains token.
func linkExpr(token string) string {
	return fmt.Sprintf(`[...document.querySelectorAll('a[href]')].filter(a => a.getAttribute('href').includes(%s)).filter(%s)[0]`,
		jsString(token), jsVisible)
}

func existsExpr(expr string) string {
	return fmt.Sprintf(`!!(%s)`, expr)
}

func rowCountScript(rowSelector string) string {
	return fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(rowSelector))
}

// rowScript returns everything the scanner needs from one row as a plain object.
func rowScript(rowSelector, controlSelector string, index int) string {
	return fmt.Sprintf(`(() => {
  const row = document.querySelectorAll(%[1]s)[%[3]d];
  if (!row) return {found: false};
  const attr = (el, name) => (el && el.getAttribute(name)) || '';
  const links = [...row.querySelectorAll('a')].map(a => ({
    href: attr(a, 'href'),
    text: (a.textContent || '').trim(),
    title: attr(a, 'title'),
    aria: attr(a, 'aria-label'),
    class: attr(a, 'class'),
    download: a.hasAttribute('download') ? (attr(a, 'download') || 'download') : ''
  }));
  const controls = [...row.querySelectorAll(%[2]s)].map(c => ({
    label: ((c.textContent || '').trim() || attr(c, 'aria-label') || attr(c, 'title'))
  }));
  const keyed = row.matches('[data-product-id]') ? row : row.querySelector('[data-product-id]');
  const img = row.querySelector('img[alt]');
  return {
    found: true,
    key: attr(keyed, 'data-product-id'),
    classes: attr(row, 'class'),
    text: (row.textContent || '').replace(/\s+/g, ' ').trim().slice(0, 500),
    imageAlt: img ? img.alt : '',
    links: links,
    controls: controls
  };
})()`, jsString(rowSelector), jsString(controlSelector), index)
}

func scrollIntoViewScript(expr string) string {
	return fmt.Sprintf(`(() => { const el = %s; if (!el) return false; el.scrollIntoView({block: 'center', inline: 'nearest'}); return true; })()`, expr)
}

func forcedClickScript(expr string) string {
	return fmt.Sprintf(`(() => { const el = %s; if (!el) return false; el.click(); return true; })()`, expr)
}

// linkInViewportScript reports whether the link is visible and inside the viewport.
func linkInViewportScript(expr string) string {
	return fmt.Sprintf(`(() => {
  const el = %s;
  if (!el) return false;
  const r = el.getBoundingClientRect();
  return r.width > 0 && r.height > 0 && r.bottom > 0 && r.top < (window.innerHeight || document.documentElement.clientHeight);
})()`, expr)
}
