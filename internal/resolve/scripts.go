package resolve

// Page-scope functions. Each is called with positional args and returns an
// envelope {status, value?, x?, y?, message?} where status is one of
// ok | not_found | invalid | blocked | error.

const jsQuery = `const q = (sel) => {
  try { return { el: document.querySelector(sel) }; }
  catch (e) { return { invalid: 'invalid selector: ' + sel }; }
};`

const locateJS = `(sel) => {
  ` + jsQuery + `
  const r = q(sel);
  if (r.invalid) return { status: 'invalid', message: r.invalid };
  if (!r.el) return { status: 'not_found' };
  r.el.scrollIntoView({ block: 'center', inline: 'center', behavior: 'instant' });
  const b = r.el.getBoundingClientRect();
  return { status: 'ok', x: b.left + b.width / 2, y: b.top + b.height / 2 };
}`

// existsJS reports whether sel matches; with visible set the element must
// also be rendered (not display:none, not visibility:hidden, has a box).
const existsJS = `(sel, visible) => {
  ` + jsQuery + `
  const r = q(sel);
  if (r.invalid) return { status: 'invalid', message: r.invalid };
  if (!r.el) return { status: 'ok', value: false };
  if (!visible) return { status: 'ok', value: true };
  const st = getComputedStyle(r.el);
  const shown = st.display !== 'none' && st.visibility !== 'hidden' && r.el.getClientRects().length > 0;
  return { status: 'ok', value: shown };
}`

const getTextJS = `(sel) => {
  if (!sel) return { status: 'ok', value: document.body ? document.body.innerText : '' };
  ` + jsQuery + `
  const r = q(sel);
  if (r.invalid) return { status: 'invalid', message: r.invalid };
  if (!r.el) return { status: 'not_found' };
  return { status: 'ok', value: r.el.innerText !== undefined ? r.el.innerText : r.el.textContent };
}`

const getHTMLJS = `(sel, outer) => {
  const html = (el) => outer ? el.outerHTML : el.innerHTML;
  if (!sel) return { status: 'ok', value: html(document.documentElement) };
  ` + jsQuery + `
  const r = q(sel);
  if (r.invalid) return { status: 'invalid', message: r.invalid };
  if (!r.el) return { status: 'not_found' };
  return { status: 'ok', value: html(r.el) };
}`

const getAttributeJS = `(sel, name) => {
  ` + jsQuery + `
  const r = q(sel);
  if (r.invalid) return { status: 'invalid', message: r.invalid };
  if (!r.el) return { status: 'not_found' };
  return { status: 'ok', value: r.el.getAttribute(name) };
}`

const getURLJS = `() => ({ status: 'ok', value: location.href })`

const getTitleJS = `() => ({ status: 'ok', value: document.title })`

const getRectJS = `(sel) => {
  ` + jsQuery + `
  const r = q(sel);
  if (r.invalid) return { status: 'invalid', message: r.invalid };
  if (!r.el) return { status: 'not_found' };
  const b = r.el.getBoundingClientRect();
  return { status: 'ok', value: {
    x: b.x, y: b.y, width: b.width, height: b.height,
    top: b.top, right: b.right, bottom: b.bottom, left: b.left,
  } };
}`

const pageContextJS = `() => {
  const meta = document.querySelector('meta[name="description"]');
  const sel = window.getSelection ? String(window.getSelection()) : '';
  return { status: 'ok', value: {
    url: location.href,
    title: document.title,
    text: document.body ? document.body.innerText : '',
    selection: sel,
    description: meta ? meta.getAttribute('content') || '' : '',
  } };
}`

const notifyJS = `const notify = (el) => {
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
};`

const selectJS = `(sel, value) => {
  ` + jsQuery + notifyJS + `
  const r = q(sel);
  if (r.invalid) return { status: 'invalid', message: r.invalid };
  if (!r.el) return { status: 'not_found' };
  if (r.el.tagName !== 'SELECT') return { status: 'invalid', message: 'not a select element: ' + sel };
  const opt = Array.from(r.el.options).find((o) => o.value === value || o.text === value);
  if (!opt) return { status: 'error', message: 'option not found: ' + value };
  r.el.value = opt.value;
  notify(r.el);
  return { status: 'ok', value: opt.value };
}`

const checkJS = `(sel, checked) => {
  ` + jsQuery + notifyJS + `
  const r = q(sel);
  if (r.invalid) return { status: 'invalid', message: r.invalid };
  if (!r.el) return { status: 'not_found' };
  if (!('checked' in r.el)) return { status: 'invalid', message: 'not a checkable element: ' + sel };
  if (r.el.checked !== checked) {
    r.el.checked = checked;
    notify(r.el);
  }
  return { status: 'ok', value: r.el.checked };
}`

const scrollJS = `(sel, dx, dy) => {
  if (!sel) {
    window.scrollBy(dx, dy);
    return { status: 'ok', value: { x: window.scrollX, y: window.scrollY } };
  }
  ` + jsQuery + `
  const r = q(sel);
  if (r.invalid) return { status: 'invalid', message: r.invalid };
  if (!r.el) return { status: 'not_found' };
  if (dx === 0 && dy === 0) {
    r.el.scrollIntoView({ block: 'center', inline: 'center', behavior: 'instant' });
  } else {
    r.el.scrollBy(dx, dy);
  }
  return { status: 'ok', value: { x: r.el.scrollLeft, y: r.el.scrollTop } };
}`

// evaluateJS compiles caller script with new Function, which the page's CSP
// governs. An EvalError means the policy refused it.
const evaluateJS = `async (src) => {
  const blocked = (e) => ({ status: 'blocked', message: String(e && e.message || e) });
  let fn;
  try {
    fn = new Function('return (' + src + '\n)');
  } catch (e) {
    if (e instanceof EvalError) return blocked(e);
    try {
      fn = new Function(src);
    } catch (e2) {
      if (e2 instanceof EvalError) return blocked(e2);
      return { status: 'error', message: String(e2) };
    }
  }
  try {
    let v = await fn();
    if (typeof v === 'function') v = await v();
    return { status: 'ok', value: v === undefined ? null : v };
  } catch (e) {
    if (e instanceof EvalError) return blocked(e);
    return { status: 'error', message: String(e && e.stack || e) };
  }
}`

const historyJS = `(kind) => {
  setTimeout(() => {
    if (kind === 'back') history.back();
    else if (kind === 'forward') history.forward();
    else location.reload();
  }, 0);
  return { status: 'ok', value: location.href };
}`
